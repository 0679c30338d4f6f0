package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// DebugLogger writes protocol level traces (connects, errors, TX/RX hex
// dumps) to a dedicated debug log. Messages can be filtered by protocol.
type DebugLogger struct {
	out     io.Writer
	closer  io.Closer
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
	maxDump int             // bytes of each packet to dump, 0 = all
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// KnownProtocols lists the protocol tags used across optolink. A filter on
// a parent tag such as "opto" also matches its children ("opto/udp").
var KnownProtocols = []string{
	"opto", "opto/udp", "opto/tcp", "opto/pcap",
	"engine",
	"mqtt",
	"kafka",
	"valkey",
	"api",
	"tui",
	"sim",
}

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := NewDebugWriter(file)
	l.closer = file
	return l, nil
}

// NewDebugWriter creates a debug logger on an arbitrary writer.
func NewDebugWriter(w io.Writer) *DebugLogger {
	l := &DebugLogger{out: w, filters: make(map[string]bool)}
	l.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l
}

// SetFilter restricts logging to a comma separated list of protocols.
// Matching is case-insensitive. An empty filter logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			l.filters[p] = true
		}
	}

	if len(l.filters) > 0 {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		sort.Strings(list)
		fmt.Fprintf(l.out, "%s [DEBUG] Filtering enabled for protocols: %s\n",
			time.Now().Format(timestampLayout), strings.Join(list, ", "))
	}
}

// SetMaxDump limits each hex dump to the first n bytes. 0 dumps everything.
func (l *DebugLogger) SetMaxDump(n int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.maxDump = n
	l.mu.Unlock()
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	if p == "debug" {
		return true
	}
	for {
		if l.filters[p] {
			return true
		}
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			return false
		}
		p = p[:i]
	}
}

// SetGlobalDebugLogger installs the logger used by the Debug* helpers.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the installed logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.out, "%s [%s] %s\n", time.Now().Format(timestampLayout), protocol, fmt.Sprintf(format, args...))
}

func (l *DebugLogger) LogTX(protocol string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(protocol, "TX", data)
}

func (l *DebugLogger) LogRX(protocol string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(protocol, "RX", data)
}

func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}

	dump := data
	if l.maxDump > 0 && len(dump) > l.maxDump {
		dump = dump[:l.maxDump]
	}
	fmt.Fprintf(l.out, "%s [%s] %s (%d bytes):\n", time.Now().Format(timestampLayout), protocol, direction, len(data))
	fmt.Fprintf(l.out, "%s\n", hexDump(dump))
	if len(dump) < len(data) {
		fmt.Fprintf(l.out, "    ... %d more bytes\n", len(data)-len(dump))
	}
}

func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT to %s", address)
}

func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECTED to %s - %s", address, details)
}

func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close writes a footer and closes the underlying file, if any.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	fmt.Fprintf(l.out, "%s [DEBUG] Debug logging ended\n", time.Now().Format(timestampLayout))
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// hexDump formats data as offset, two groups of 8 hex bytes, and ASCII:
//
//	0000: 02 0C 00 A1 3F C0 00 00  7F C0 00 00 00 00 00 00  ....?...........
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for i := 0; i < 16 && offset+i < len(data); i++ {
			if b := data[offset+i]; b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Package level helpers. They are no-ops until SetGlobalDebugLogger.

func DebugLog(protocol, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

func DebugTX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(protocol, data)
	}
}

func DebugRX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(protocol, data)
	}
}

func DebugConnect(protocol, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(protocol, address)
	}
}

func DebugConnectSuccess(protocol, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(protocol, address, details)
	}
}

func DebugConnectError(protocol, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(protocol, address, err)
	}
}

func DebugDisconnect(protocol, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(protocol, address, reason)
	}
}

func DebugError(protocol, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(protocol, context, err)
	}
}
