// Sumlink - ADS sum-read gateway
//
// Polls a Beckhoff TwinCAT device with batched sum-read requests and
// republishes the values via REST API, MQTT, Valkey and Kafka.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"

	"sumlink/ads"
	"sumlink/api"
	"sumlink/brokertest"
	"sumlink/config"
	"sumlink/kafka"
	"sumlink/logging"
	"sumlink/mqtt"
	"sumlink/poller"
	"sumlink/ssh"
	"sumlink/sumread"
	"sumlink/tui"
	"sumlink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

const healthInterval = 10 * time.Second

// preprocessLogDebugFlag turns a bare --log-debug into --log-debug all.
func preprocessLogDebugFlag() {
	os.Args = append(os.Args[:1], expandLogDebug(os.Args[1:])...)
}

func expandLogDebug(args []string) []string {
	for i, arg := range args {
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				out := append([]string{}, args[:i+1]...)
				out = append(out, "all")
				return append(out, args[i+1:]...)
			}
			return args
		}
	}
	return args
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	adminUser   = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	sshPort     = flag.Int("ssh-port", 2222, "SSH listen port")
	sshPass     = flag.String("ssh-pass", "", "SSH password for remote TUI access")
	sshKeys     = flag.String("ssh-keys", "", "Path to authorized_keys file or directory")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (all, or a protocol list)")

	// Stress test flags
	testBrokers  = flag.Bool("stress-test-republishing", false, "Run stress tests for republishing and exit")
	testDuration = flag.Duration("test-duration", 10*time.Second, "Duration for each broker stress test")
	testVars     = flag.Int("test-vars", 500, "Number of simulated variables for stress test")
	testYes      = flag.Bool("y", false, "Skip confirmation prompt for stress tests")

	discoverCIDR = flag.String("discover", "", "Scan a subnet (CIDR) for ADS devices and exit")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("sumlink %s\n", Version)
		os.Exit(0)
	}

	headless := *noTUI || *noTUILong

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Override REST config from flags (in memory only)
	if *httpPort != 0 {
		cfg.REST.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.REST.Host = *httpHost
	}
	if *noAPI {
		cfg.REST.Enabled = false
	}

	if *adminUser != "" && *adminPass != "" {
		if err := setAdminUser(cfg, *adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for the REST API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *discoverCIDR != "" {
		if err := runDiscovery(*discoverCIDR, cfg.Device.DevicePort, cfg.Device.Timeout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *testBrokers {
		if !runBrokerTests(cfg) {
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, headless); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runDiscovery lists the ADS routers answering in cidr.
func runDiscovery(cidr string, port uint16, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Scanning %s for ADS devices...\n", cidr)
	devices, err := ads.DiscoverSubnet(ctx, cidr, port, timeout, 0)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("  %s\n", d)
	}
	return nil
}

// runBrokerTests stress tests the enabled brokers. It reports false if any
// test failed.
func runBrokerTests(cfg *config.Config) bool {
	if !*testYes {
		fmt.Printf("This will publish to every enabled broker for %v each, under %q.\n", *testDuration, brokertest.StressNamespace)
		fmt.Print("Continue? [y/N]: ")
		response, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return true
		}
	}

	runner := brokertest.NewRunner(cfg, brokertest.TestConfig{
		Duration: *testDuration,
		NumVars:  *testVars,
	}, os.Stdout)
	for _, result := range runner.Run() {
		if !result.Success {
			return false
		}
	}
	return true
}

// setAdminUser creates or updates an admin user and makes sure a session
// secret exists.
func setAdminUser(cfg *config.Config, username, password string) error {
	hash, err := api.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	cfg.Lock()
	defer cfg.Unlock()

	if existing := cfg.FindUser(username); existing != nil {
		existing.PasswordHash = hash
		existing.Role = config.RoleAdmin
	} else {
		cfg.AddUser(config.User{
			Username:     username,
			PasswordHash: hash,
			Role:         config.RoleAdmin,
		})
	}

	if cfg.REST.SessionSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating session secret: %w", err)
		}
		cfg.REST.SessionSecret = base64.StdEncoding.EncodeToString(secret)
	}
	return nil
}

// setupDebugLog installs the global protocol logger. An empty filter, "all",
// "true" or "1" log every protocol.
func setupDebugLog(filter string) (*logging.DebugLogger, string, error) {
	logger, err := logging.NewDebugLogger("debug.log")
	if err != nil {
		return nil, "", err
	}
	if filter == "all" || filter == "true" || filter == "1" {
		filter = ""
	}
	logger.SetFilter(filter)
	logging.SetGlobalDebugLogger(logger)
	return logger, filter, nil
}

// run is the startup flow for both TUI and headless modes.
func run(cfg *config.Config, headless bool) error {
	pcfg, localNetID, err := pollerConfig(cfg)
	if err != nil {
		return err
	}
	vars, err := cfg.BuildVariables()
	if err != nil {
		return err
	}
	device, err := poller.New(pcfg, sumread.ADSDialer(cfg.Device.Timeout, localNetID), vars)
	if err != nil {
		return err
	}

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace, device.Name())

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace, device.Name())

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfigs(kafkaConfigs(cfg))

	var apiServer *api.Server
	if cfg.REST.Enabled {
		apiServer = api.NewServer(cfg, device)
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST API on port %d: %v\n", cfg.REST.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			apiServer = nil
		} else {
			fmt.Printf("REST API at %s/api/\n", apiServer.Address())
		}
	}

	setupValueChangeHandlers(device, apiServer, mqttMgr, valkeyMgr, kafkaMgr)
	setupWriteHandlers(device, mqttMgr, valkeyMgr)

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		var filter string
		debugLogger, filter, err = setupDebugLog(*logDebug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else if filter == "" {
			fmt.Println("Debug logging enabled (all protocols) - writing to debug.log")
		} else {
			fmt.Printf("Debug logging enabled (filter: %s) - writing to debug.log\n", filter)
		}
	}

	logs := tui.NewLogStore()
	var app *tui.App
	if headless {
		console := headlessLog(fileLogger)
		device.SetOnLog(func(format string, args ...interface{}) {
			console(format, args...)
			logs.Log(format, args...)
		})
	} else {
		app = tui.NewApp(cfg, device)
		app.AttachLogs(logs)
		if fileLogger != nil {
			app.DebugTab().SetFileLogger(fileLogger)
		}
		device.SetOnLog(logs.Log)
	}

	valkeyMgr.SetOnConnectCallback(func() {
		forcePublishAll(device, mqttMgr, valkeyMgr, kafkaMgr)
	})

	device.Start()

	var sshServer *ssh.Server
	if *sshPass != "" || *sshKeys != "" {
		sshServer = ssh.NewServer(ssh.Config{
			Port:           *sshPort,
			Password:       *sshPass,
			AuthorizedKeys: *sshKeys,
			HostKeyPath:    filepath.Join(filepath.Dir(*configPath), "host_key"),
		}, func(screen tcell.Screen) ssh.App {
			remote := tui.NewAppWithScreen(cfg, device, screen)
			remote.AttachLogs(logs)
			return remote
		})
		sshServer.SetOnSessionConnect(func(remoteAddr string) {
			logs.Log("SSH client connected from %s (total sessions: %d)", remoteAddr, sshServer.SessionCount())
		})
		sshServer.SetOnSessionDisconnect(func(remoteAddr string) {
			logs.Log("SSH client disconnected from %s (total sessions: %d)", remoteAddr, sshServer.SessionCount())
		})
		if err := sshServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start SSH server: %v\n", err)
			sshServer = nil
		} else {
			fmt.Printf("SSH server on port %d\n", *sshPort)
		}
	}

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAll(device, mqttMgr, valkeyMgr, kafkaMgr)
		}
	}()
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 {
			forcePublishAll(device, mqttMgr, valkeyMgr, kafkaMgr)
		}
	}()
	go kafkaMgr.ConnectEnabled()

	stopHealth := make(chan struct{})
	go publishHealthLoop(device, healthInterval, apiServer, valkeyMgr, kafkaMgr, stopHealth)

	shutdown := func() {
		close(stopHealth)
		done := make(chan struct{})
		go func() {
			if sshServer != nil {
				sshServer.Stop()
			}
			mqttMgr.StopAll()
			valkeyMgr.StopAll()
			kafkaMgr.StopAll()
			if apiServer != nil {
				apiServer.Stop()
			}
			device.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		if fileLogger != nil {
			fileLogger.Close()
		}
		if debugLogger != nil {
			debugLogger.Close()
		}
	}

	if headless {
		if sshServer == nil {
			fmt.Fprintf(os.Stderr, "Warning: Running headless with no SSH. Use --ssh-pass for remote access.\n")
		}
		fmt.Println("Running in headless mode. Press Ctrl+C to stop.")
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		shutdown()
		fmt.Println("Stopped")
		return nil
	}

	// Runtime errors written to stderr would corrupt the terminal display.
	crashPath := filepath.Join(filepath.Dir(*configPath), "sumlink-crash.log")
	if f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		captureStderr(f)
		defer f.Close()
	}

	err = app.Run()
	shutdown()
	return err
}

// headlessLog prints poller messages to stdout, or through the file logger
// with echo when one is configured.
func headlessLog(fileLogger *logging.FileLogger) func(format string, args ...interface{}) {
	if fileLogger != nil {
		fileLogger.SetEcho(true)
		return fileLogger.Log
	}
	return func(format string, args ...interface{}) {
		fmt.Printf("%s %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	}
}
