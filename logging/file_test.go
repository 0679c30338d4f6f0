package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "events.log")
		if err := os.WriteFile(path, []byte("existing content\n"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Log("writer %s", "connected")
		logger.Close()

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.HasPrefix(string(content), "existing content\n") {
			t.Error("existing content was overwritten")
		}
		if !strings.Contains(string(content), "writer connected") {
			t.Error("new content was not appended")
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		if _, err := NewFileLogger("/nonexistent/directory/file.log"); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestFileLogger_TeeAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	var mirror bytes.Buffer
	logger.Tee(&mirror)
	logger.Func()("gateway listening on %s", "127.0.0.1:5005")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	logger.Log("should not appear")

	content, _ := os.ReadFile(path)
	if !strings.Contains(string(content), "gateway listening on 127.0.0.1:5005") {
		t.Errorf("file missing message: %q", content)
	}
	if strings.Contains(string(content), "should not appear") {
		t.Error("logged after close")
	}
	if mirror.String() != string(content) {
		t.Errorf("mirror = %q, want %q", mirror.String(), content)
	}
}

func TestFileLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Log("record batch %d", n)
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(content)), "\n"); len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}

func TestMulti(t *testing.T) {
	var a, b []string
	fn := Multi(
		func(format string, args ...interface{}) { a = append(a, format) },
		nil,
		func(format string, args ...interface{}) { b = append(b, format) },
	)
	fn("hello")
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("a=%v b=%v, want one message each", a, b)
	}
}

func TestNilFileLogger(t *testing.T) {
	var l *FileLogger
	l.Log("ignored")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
}
