// Package main implements the dcmwrap CLI entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dcmwrap/internal/assoc"
	"dcmwrap/internal/bridge"
	"dcmwrap/internal/catalog"
	"dcmwrap/internal/config"
	"dcmwrap/internal/daemon"
	"dcmwrap/internal/events"
	"dcmwrap/internal/scu"
	"dcmwrap/internal/spawn"
	"dcmwrap/internal/storage"
	"dcmwrap/internal/supervisor"
)

func main() {
	flags := config.ParseFlags()

	if flags.Version {
		fmt.Printf("dcmwrap %s\n", config.Version)
		return
	}

	if flags.Setup {
		runSetup()
		return
	}

	if flags.Check {
		runHealthCheck(flags)
		return
	}

	// Daemon commands
	if flags.DaemonStart {
		runDaemonStart(flags)
		return
	}
	if flags.DaemonStop {
		runDaemonStop()
		return
	}
	if flags.DaemonRestart {
		runDaemonRestart(flags)
		return
	}
	if flags.DaemonStatus {
		runDaemonStatus()
		return
	}
	if flags.DaemonLogs {
		runDaemonLogs(flags)
		return
	}

	if flags.EventsCmd {
		runEvents(flags)
		return
	}

	if flags.SCU != "" {
		runSCU(flags)
		return
	}

	if flags.Listen {
		if err := runListen(flags); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flag.Usage()
	os.Exit(2)
}

// runSetup runs the interactive setup wizard.
func runSetup() {
	opts := config.SetupOptions{
		FindTools: func(binDir string) []config.ToolStatus {
			resolver := &spawn.Resolver{Dir: binDir}
			paths, _ := resolver.ResolveAll()
			var out []config.ToolStatus
			for _, tool := range catalog.AllTools() {
				path, ok := paths[tool]
				out = append(out, config.ToolStatus{Name: tool.String(), Path: path, Found: ok})
			}
			return out
		},
		TestWebhook: config.DefaultTestWebhook,
	}
	if err := config.SetupWizard(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runHealthCheck verifies the toolkit binaries and the configuration.
func runHealthCheck(flags *config.Flags) {
	fmt.Printf("dcmwrap %s - Health Check\n\n", config.Version)

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Printf("Config:   INVALID: %v\n", err)
		os.Exit(1)
	}
	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config:   %s\n", configPath)
	} else {
		fmt.Printf("Config:   defaults (no file at %s)\n", configPath)
	}
	fmt.Println()

	resolver := &spawn.Resolver{Dir: cfg.Toolkit.BinDir}
	paths, errs := resolver.ResolveAll()

	fmt.Println("Toolkit:")
	for _, tool := range catalog.AllTools() {
		if path, ok := paths[tool]; ok {
			fmt.Printf("  %-9s ✓ %s\n", tool, path)
		} else {
			fmt.Printf("  %-9s ✗ %v\n", tool, errs[tool])
		}
	}
	fmt.Println()

	if _, ok := paths[catalog.StoreSCP]; !ok {
		fmt.Println("storescp is required for the listener.")
		fmt.Println("Install DCMTK or point toolkit.bin_dir at its bin directory.")
		os.Exit(1)
	}

	fmt.Printf("Listener: %s on port %d, storing to %s\n",
		cfg.Listener.AETitle, cfg.Listener.Port, config.ExpandPath(cfg.Listener.OutputDir))
	if len(errs) == 0 {
		fmt.Println("All tools present.")
	}
}

// runListen runs the store listener until it stops, wiring its events
// into the configured delivery paths.
func runListen(flags *config.Flags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}

	dir := config.DefaultConfigDir()
	isDaemon := daemon.IsDaemon()

	var logger *daemon.Logger
	if isDaemon {
		lock := daemon.NewLock(dir)
		if err := lock.TryLock(); err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		defer lock.Unlock()

		daemon.CleanupOnStart(dir, cfg.Daemon.LogRetentionDays)

		logger, err = daemon.NewLogger(dir)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Close()
		logger.SetLevel(daemon.ParseLevel(cfg.Daemon.LogLevel))
		log.SetOutput(logger.Writer())

		logger.Info("dcmwrap daemon starting")
		logger.Info("Config: %s", config.DefaultConfigPath())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live feeds join the journal and webhooks as extra sinks.
	var extras []events.Sink
	if cfg.Events.Socket {
		socketServer, err := bridge.NewSocketServer(filepath.Join(dir, "dcmwrap.sock"))
		if err != nil {
			return fmt.Errorf("failed to create event socket: %w", err)
		}
		defer socketServer.Close()
		socketServer.Start(ctx)
		extras = append(extras, socketServer)
	}
	if cfg.Events.WebSocket.Enabled {
		wsServer, err := bridge.NewWSServer(cfg.Events.WebSocket.Addr)
		if err != nil {
			return fmt.Errorf("failed to start websocket feed: %w", err)
		}
		defer wsServer.Close()
		wsServer.Start(ctx)
		extras = append(extras, wsServer)
	}
	if flags.Stdout {
		extras = append(extras, events.NewStdoutSink(false))
	}

	base, err := events.NewSinks(cfg.Events, extras...)
	if err != nil {
		return fmt.Errorf("failed to create event sinks: %w", err)
	}
	defer events.CloseSink(base)

	// The tracker reads the same records the sinks do, and reports stale
	// associations back into the pipeline.
	tracker := assoc.NewTracker(cfg.Assoc.TTL(), func(a assoc.Association) {
		_ = base.Send(context.Background(), assoc.StaleRecord(a))
		if logger != nil {
			logger.Warn("Association %s from %s went stale", a.ID, a.CallingAET)
		}
	})
	defer tracker.Close()

	delivery := events.NewMulti(base, tracker)

	outDir := config.ExpandPath(cfg.Listener.OutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	watcher, err := storage.NewWatcher(outDir, func(path string, size int64) {
		_ = delivery.Send(context.Background(), events.NewFileStored(path, size).WithTool("storescp"))
		if logger != nil {
			logger.LogEvent(daemon.LevelInfo, "storescp", events.EventFileStored,
				"stored "+filepath.Base(path), spawn.HumanBytes(size))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch output directory: %w", err)
	}
	defer watcher.Close()
	if watcher.Polling() {
		if logger != nil {
			logger.Warn("Storage watcher: inotify unavailable, polling %s", outDir)
		} else {
			fmt.Fprintf(os.Stderr, "storage watcher: inotify unavailable, polling %s\n", outDir)
		}
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			if logger != nil {
				logger.Error("Storage watcher: %v", err)
			} else {
				fmt.Fprintf(os.Stderr, "storage watcher: %v\n", err)
			}
		}
	}()

	sup, err := supervisor.New(supervisor.Options{Listener: cfg.Listener, BinDir: cfg.Toolkit.BinDir})
	if err != nil {
		if logger != nil {
			logger.Error("Listener setup failed: %v", err)
		}
		return err
	}

	if isDaemon {
		logger.Info("Listener: %s on port %d (%s)", cfg.Listener.AETitle, cfg.Listener.Port, sup.BinaryPath())
		logger.Info("Output: %s", outDir)
		logger.Info("Events: %s", delivery.Name())
	} else {
		fmt.Printf("dcmwrap %s - Starting listener...\n", config.Version)
		fmt.Printf("  Binary:  %s\n", sup.BinaryPath())
		fmt.Printf("  AE:      %s on port %d\n", cfg.Listener.AETitle, cfg.Listener.Port)
		fmt.Printf("  Output:  %s\n", outDir)
		fmt.Printf("  Events:  %s\n", delivery.Name())
		fmt.Println()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if isDaemon {
			logger.Info("Received shutdown signal")
		} else {
			fmt.Println("\nShutting down...")
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = sup.Stop(stopCtx)
		cancel()
	}()

	// Fan supervisor events out to every delivery path. Runs until the
	// supervisor reaches a terminal state and closes its channel.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range sup.Events() {
			rec := events.FromSupervisor("storescp", sup.ID(), ev)
			_ = delivery.Send(ctx, rec)
			logRecord(logger, rec)
		}
	}()

	if isDaemon {
		_ = delivery.Send(ctx, events.NewDaemonStart())
	}

	if err := sup.Start(ctx); err != nil {
		<-drained
		if logger != nil {
			logger.Error("Listener failed: %v", err)
		}
		return err
	}

	if !isDaemon {
		fmt.Println("Listening. Press Ctrl-C to stop.")
	}

	<-sup.Done()
	<-drained

	if n := sup.Dropped(); n > 0 {
		if logger != nil {
			logger.Warn("%d event records were lost to a slow consumer", n)
		} else {
			fmt.Fprintf(os.Stderr, "warning: %d event records dropped\n", n)
		}
	}

	if isDaemon {
		_ = delivery.Send(context.Background(), events.NewDaemonStop())
		logger.Info("Daemon stopped after %s", formatDuration(sup.Uptime()))
	} else {
		fmt.Printf("Listener stopped after %s\n", formatDuration(sup.Uptime()))
	}
	return sup.Err()
}

// logRecord mirrors noteworthy records into the daemon log.
func logRecord(logger *daemon.Logger, rec *events.Record) {
	if logger == nil {
		return
	}
	switch rec.Kind {
	case "line":
		logger.Debug("%s> %s", rec.Source, rec.Text)
	case "match":
		var details string
		if len(rec.Data) > 0 {
			if b, err := json.Marshal(rec.Data); err == nil {
				details = string(b)
			}
		}
		logger.LogEvent(daemon.LevelInfo, rec.Tool, rec.Event, rec.Event, details)
	case "block_timeout":
		logger.LogEvent(daemon.LevelWarn, rec.Tool, rec.Event,
			fmt.Sprintf("%s abandoned after %d lines", rec.Event, len(rec.Lines)), "")
	case "state":
		logger.Info("Listener %s", rec.Text)
	case "error":
		logger.Error("Listener error: %s", rec.Error)
	}
}

// runEvents prints the event journal, or follows the live socket feed.
func runEvents(flags *config.Flags) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out := events.NewStdoutSink(false)

	if flags.EventsFollow {
		sockPath := filepath.Join(config.DefaultConfigDir(), "dcmwrap.sock")
		fmt.Printf("Following %s (Ctrl+C to stop)\n\n", sockPath)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		err := bridge.Follow(ctx, sockPath, func(line []byte) {
			printRecordLine(out, line)
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintln(os.Stderr, "Is the listener running? Start it with 'dcmwrap start' or 'dcmwrap listen'.")
			os.Exit(1)
		}
		return
	}

	path := config.ExpandPath(cfg.Events.Journal.Path)
	if path == "" {
		path = filepath.Join(config.DefaultConfigDir(), "events.jsonl")
	}
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "No event journal found")
		fmt.Fprintf(os.Stderr, "Journal path: %s\n", path)
		os.Exit(1)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	start := len(lines) - 50
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		printRecordLine(out, []byte(line))
	}
}

// printRecordLine renders one journal line. Lines that do not parse as
// records are printed raw.
func printRecordLine(out *events.StdoutSink, line []byte) {
	var rec events.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		fmt.Println(string(line))
		return
	}
	_ = out.Send(context.Background(), &rec)
}

// runSCU runs a one-shot client command against the configured peer.
func runSCU(flags *config.Flags) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var tool catalog.Tool
	switch flags.SCU {
	case "echo":
		tool = catalog.EchoSCU
	case "send":
		tool = catalog.StoreSCU
	case "find":
		tool = catalog.FindSCU
	case "move":
		tool = catalog.MoveSCU
	}

	opts := scu.Options{
		Tool:    tool,
		Host:    pick(flags.SCUHost, cfg.Remote.Host),
		Port:    pickInt(flags.SCUPort, cfg.Remote.Port),
		Called:  pick(flags.SCUCalled, cfg.Remote.AETitle),
		Calling: pick(flags.SCUCalling, cfg.Listener.AETitle),
		Timeout: flags.SCUTimeout,
		Level:   flags.SCULevel,
		Keys:    flags.SCUKeys,
		Dest:    pick(flags.SCUDest, cfg.Listener.AETitle),
		Files:   flags.SCUFiles,
		BinDir:  cfg.Toolkit.BinDir,
		PTY:     flags.SCUPTY,
	}
	if flags.Stdout {
		opts.Sink = events.NewStdoutSink(false)
	}
	if opts.Host == "" {
		fmt.Fprintln(os.Stderr, "Error: no peer host (use --host or set remote.host in the config)")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	result, err := scu.Run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if result != nil {
			for _, line := range lastLines(result.Lines, 5) {
				fmt.Fprintf(os.Stderr, "  %s\n", line)
			}
		}
		os.Exit(1)
	}

	printSCUSummary(flags.SCU, result)
}

// printSCUSummary prints the per-command outcome of a successful run.
func printSCUSummary(cmd string, result *scu.Result) {
	elapsed := result.Duration.Round(time.Millisecond)

	switch cmd {
	case "echo":
		if result.Seen("ECHO_SUCCEEDED") {
			fmt.Printf("Echo succeeded in %s\n", elapsed)
		} else {
			fmt.Printf("Echo completed in %s (no response event)\n", elapsed)
		}
	case "send":
		n := len(result.Matches("STORE_RESPONSE"))
		fmt.Printf("Sent %d object(s) in %s\n", n, elapsed)
	case "find":
		ids := result.Matches("IDENTIFIERS")
		for i, ev := range ids {
			fmt.Printf("%3d. %s\n", i+1, formatIdentifier(ev.Data))
		}
		fmt.Printf("%d match(es) in %s\n", len(ids), elapsed)
	case "move":
		subOps := result.Matches("SUB_OPS")
		if len(subOps) > 0 {
			last := subOps[len(subOps)-1].Data
			fmt.Printf("Move complete: %v done, %v failed in %s\n", last["completed"], last["failed"], elapsed)
		} else {
			fmt.Printf("Move complete in %s\n", elapsed)
		}
	}
}

// formatIdentifier renders one query response for display.
func formatIdentifier(data map[string]interface{}) string {
	var parts []string
	if v, ok := data["patientName"].(string); ok && v != "" {
		parts = append(parts, v)
	}
	if v, ok := data["patientId"].(string); ok && v != "" {
		parts = append(parts, "["+v+"]")
	}
	if v, ok := data["studyUID"].(string); ok && v != "" {
		parts = append(parts, v)
	}
	if len(parts) == 0 {
		return "(no identifiers)"
	}
	return strings.Join(parts, " ")
}

// lastLines returns the final n entries of lines.
func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// pick returns the flag value when set, the config default otherwise.
func pick(flagVal, cfgVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return cfgVal
}

func pickInt(flagVal, cfgVal int) int {
	if flagVal != 0 {
		return flagVal
	}
	return cfgVal
}

// runDaemonStart starts the listener daemon in the background.
func runDaemonStart(flags *config.Flags) {
	// Config problems should surface here, not inside the detached child.
	if _, err := config.Load(flags.ConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	d := daemon.NewDaemon(config.DefaultConfigDir())

	args := []string{"listen"}
	if flags.ConfigPath != "" {
		args = append(args, "--config", flags.ConfigPath)
	}

	if err := d.Start(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runDaemonStop stops the running daemon.
func runDaemonStop() {
	d := daemon.NewDaemon(config.DefaultConfigDir())

	if err := d.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runDaemonRestart restarts the daemon.
func runDaemonRestart(flags *config.Flags) {
	d := daemon.NewDaemon(config.DefaultConfigDir())

	args := []string{"listen"}
	if flags.ConfigPath != "" {
		args = append(args, "--config", flags.ConfigPath)
	}

	if err := d.Restart(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runDaemonStatus shows the daemon status.
func runDaemonStatus() {
	dir := config.DefaultConfigDir()
	d := daemon.NewDaemon(dir)

	running, pid, uptime := d.Status()

	fmt.Println("dcmwrap daemon status")
	fmt.Println()

	if running {
		fmt.Printf("  Status:  running\n")
		fmt.Printf("  PID:     %d\n", pid)
		fmt.Printf("  Uptime:  %s\n", formatDuration(uptime))
		if stats, err := spawn.Stats(pid); err == nil {
			fmt.Printf("  Memory:  %s\n", spawn.HumanBytes(stats.RSSBytes))
			fmt.Printf("  CPU:     %.1f%%\n", stats.CPUPercent)
		}
	} else {
		fmt.Printf("  Status:  stopped\n")
	}

	logDir := filepath.Join(dir, "logs")
	logs, err := daemon.GetLogFiles(logDir)
	if err == nil && len(logs) > 0 {
		fmt.Println()
		fmt.Printf("  Logs:    %d file(s) in %s\n", len(logs), logDir)
		totalSize, _ := daemon.TotalLogSize(logDir)
		fmt.Printf("  Size:    %s\n", spawn.HumanBytes(totalSize))
	}
}

// runDaemonLogs shows or follows the daemon logs.
func runDaemonLogs(flags *config.Flags) {
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")

	logs, err := daemon.GetLogFiles(logDir)
	if err != nil || len(logs) == 0 {
		fmt.Fprintln(os.Stderr, "No log files found")
		fmt.Fprintf(os.Stderr, "Log directory: %s\n", logDir)
		os.Exit(1)
	}

	logPath := logs[0].Path

	if flags.DaemonFollow {
		fmt.Printf("Following %s (Ctrl+C to stop)\n\n", logPath)
		if err := tailFollow(logPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := tailFile(logPath, 50); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// tailFile prints the last n lines of a file.
func tailFile(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		fmt.Println(line)
	}

	return scanner.Err()
}

// tailFollow follows a file like tail -f.
func tailFollow(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	f.Seek(0, io.SeekEnd)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reader := bufio.NewReader(f)
	for {
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		default:
			line, err := reader.ReadString('\n')
			if err == io.EOF {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if err != nil {
				return err
			}
			fmt.Print(line)
		}
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
