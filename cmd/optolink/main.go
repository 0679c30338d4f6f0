// Optolink - Opto 22 PAC telemetry gateway
//
// Receives the PAC's UDP telemetry, republishes the selected channels to
// MQTT, Valkey and Kafka, and forwards register writes to the PAC over TCP.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"optolink/api"
	"optolink/brokertest"
	"optolink/config"
	"optolink/engine"
	"optolink/logging"
	"optolink/tui"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag turns a bare --log-debug into --log-debug all.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
	}
}

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable protocol debug logging to debug.log (optional filter: opto,opto/udp,opto/tcp,mqtt,valkey,kafka,api,engine)")
	replayPath  = flag.String("replay", "", "Replay a pcap capture through the gateway and exit")
	replaySpeed = flag.Float64("replay-speed", 0, "Replay pacing: 1 = real time, 0 = as fast as possible")

	testBrokers  = flag.Bool("stress-test-republishing", false, "Stress test the enabled MQTT, Valkey and Kafka targets and exit")
	testDuration = flag.Duration("test-duration", 10*time.Second, "Duration of each stress test")
	testBatch    = flag.Int("test-batch", 10, "Records per publish call in the stress test")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("optolink %s\n", Version)
		os.Exit(0)
	}

	headless := *noTUI || *noTUILong || *replayPath != ""

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}

	if *adminUser != "" && *adminPass != "" {
		if err := saveAdminUser(cfg, *adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for the API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *testBrokers {
		runner, err := brokertest.NewRunner(cfg, brokertest.TestConfig{Duration: *testDuration, BatchSize: *testBatch}, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, res := range runner.Run() {
			if !res.Success {
				os.Exit(1)
			}
		}
		return
	}

	os.Exit(run(cfg, headless))
}

func saveAdminUser(cfg *config.Config, username, password string) error {
	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}
	if existing := cfg.FindWebUser(username); existing != nil {
		existing.PasswordHash = hash
		existing.Role = config.RoleAdmin
	} else {
		cfg.AddWebUser(config.WebUser{Username: username, PasswordHash: hash, Role: config.RoleAdmin})
	}
	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
	}
	return cfg.Save(*configPath)
}

// setupDebugLog installs the global protocol debug logger. The flag wins
// over the config filter.
func setupDebugLog(cfg *config.Config, logFn logging.LogFunc) *logging.DebugLogger {
	filter := cfg.Debug.Filter
	if *logDebug != "" {
		filter = *logDebug
	}
	if filter == "" {
		return nil
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}

	dl, err := logging.NewDebugLogger("debug.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		return nil
	}
	dl.SetFilter(filter)
	if cfg.Debug.MaxDump > 0 {
		dl.SetMaxDump(cfg.Debug.MaxDump)
	}
	logging.SetGlobalDebugLogger(dl)
	if filter == "" {
		logFn("Debug logging enabled (all protocols) - writing to debug.log")
	} else {
		logFn("Debug logging enabled (filter: %s) - writing to debug.log", filter)
	}
	return dl
}

func stdoutLog(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}

// run is the startup flow for TUI, headless and replay modes. It returns
// the process exit code.
func run(cfg *config.Config, headless bool) int {
	tui.InitLogStore(1000)

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}
	defer fileLogger.Close()

	var logFn logging.LogFunc
	if headless {
		logFn = logging.Multi(stdoutLog, fileLogger.Func())
	} else {
		if fileLogger != nil {
			tui.GetLogStore().SetFileLogger(fileLogger)
		}
		logFn = tui.StoreLog
	}

	if dl := setupDebugLog(cfg, logFn); dl != nil {
		defer dl.Close()
	}

	if *replayPath != "" {
		// the capture replaces the live socket
		cfg.Reader.Enabled = false
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logFn,
	})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var apiServer *api.Server
	if cfg.Web.Enabled && *replayPath == "" {
		apiServer = api.NewServer(eng, &cfg.Web)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start API on port %d: %v\n", cfg.Web.Port, err)
			apiServer = nil
		} else {
			logFn("REST API at %s/api/", apiServer.Address())
		}
	}

	shutdown := func() {
		done := make(chan struct{})
		go func() {
			if apiServer != nil {
				apiServer.Stop()
			}
			eng.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			fmt.Fprintln(os.Stderr, "Shutdown timed out")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *replayPath != "":
		code := replay(ctx, eng, logFn)
		shutdown()
		return code

	case headless:
		fmt.Println("Running in headless mode. Press Ctrl+C to stop.")
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		shutdown()
		fmt.Println("Stopped")
		return 0

	default:
		// runtime errors must not corrupt the terminal
		stderrPath := filepath.Join(filepath.Dir(*configPath), "optolink-crash.log")
		if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			redirectStderr(f)
			defer f.Close()
		}

		app := tui.NewApp(eng)
		go func() {
			select {
			case <-ctx.Done():
				app.Shutdown()
			case <-app.Done():
			}
		}()
		err := app.Run()
		shutdown()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
}

func replay(ctx context.Context, eng *engine.Engine, logFn logging.LogFunc) int {
	f, err := os.Open(*replayPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer f.Close()

	logFn("Replaying %s", *replayPath)
	stats, err := eng.Replay(ctx, f, *replaySpeed)
	logFn("Replay: %d packets, %d decoded, %d dropped in %s", stats.Packets, stats.Decoded, stats.Dropped, stats.Duration.Round(time.Millisecond))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Replay error: %v\n", err)
		return 1
	}
	return 0
}
