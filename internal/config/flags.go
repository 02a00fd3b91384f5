package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Flags holds parsed command-line flags.
type Flags struct {
	ConfigPath string
	Check      bool
	Stdout     bool
	Version    bool
	Setup      bool // Run the interactive setup wizard

	Listen bool // Run the listener in the foreground

	// Daemon subcommands
	DaemonStart   bool // Start daemon
	DaemonStop    bool // Stop daemon
	DaemonRestart bool // Restart daemon
	DaemonStatus  bool // Show daemon status
	DaemonLogs    bool // Show/tail logs
	DaemonFollow  bool // Follow log output (-f)

	EventsCmd    bool // Show the event journal
	EventsFollow bool // Follow journal output (-f)

	// One-shot SCU subcommands
	SCU        string   // "echo", "send", "find" or "move" ("" = none)
	SCUHost    string   // Peer hostname
	SCUPort    int      // Peer port (0 = config default)
	SCUCalled  string   // Peer (called) AE title
	SCUCalling string   // Our (calling) AE title
	SCUTimeout int      // Association timeout in seconds
	SCUPTY     bool     // Run the tool under a pseudo-terminal
	SCULevel   string   // Query/retrieve level for find/move
	SCUKeys    []string // Matching keys for find/move (-k)
	SCUDest    string   // Destination AE title for move
	SCUFiles   []string // Files to transmit for send
}

// keyList collects repeated -k flags.
type keyList []string

func (k *keyList) String() string { return strings.Join(*k, ",") }

func (k *keyList) Set(v string) error {
	*k = append(*k, v)
	return nil
}

// ParseFlags parses command-line flags and returns the result.
func ParseFlags() *Flags {
	flags := &Flags{}

	// Check for subcommands first
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			flags.Setup = true
			return flags
		case "listen":
			return parseListenFlags(flags)
		case "start":
			return parseDaemonFlags(flags, "start")
		case "stop":
			return parseDaemonFlags(flags, "stop")
		case "restart":
			return parseDaemonFlags(flags, "restart")
		case "status":
			return parseDaemonFlags(flags, "status")
		case "logs":
			return parseDaemonFlags(flags, "logs")
		case "events":
			return parseEventsFlags(flags)
		case "echo", "send", "find", "move":
			return parseSCUFlags(flags, os.Args[1])
		}
	}

	flag.StringVar(&flags.ConfigPath, "config", "", "Config file path (default: ~/.dcmwrap/config.yaml)")
	flag.BoolVar(&flags.Check, "check", false, "Verify toolkit binaries and config, then exit")
	flag.BoolVar(&flags.Stdout, "stdout", false, "Print event records to stdout")
	flag.BoolVar(&flags.Version, "version", false, "Print version and exit")

	flag.Usage = customUsage
	flag.Parse()

	return flags
}

// parseListenFlags parses flags for the listen subcommand.
func parseListenFlags(flags *Flags) *Flags {
	flags.Listen = true

	listenFlags := flag.NewFlagSet("listen", flag.ExitOnError)
	listenFlags.StringVar(&flags.ConfigPath, "config", "", "Config file path")
	listenFlags.BoolVar(&flags.Stdout, "stdout", false, "Print event records to stdout")

	listenFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, `dcmwrap listen - Run the store listener in the foreground

USAGE:
  dcmwrap listen [flags]

FLAGS:
  --config PATH    Config file (default: ~/.dcmwrap/config.yaml)
  --stdout         Print event records to stdout as they arrive

The listener settings (AE title, port, output directory) come from the
config file. Press Ctrl-C to stop.

EXAMPLES:
  dcmwrap listen
  dcmwrap listen --stdout
  dcmwrap listen --config ./test-config.yaml

`)
	}

	listenFlags.Parse(os.Args[2:])
	return flags
}

// parseEventsFlags parses flags for the events subcommand.
func parseEventsFlags(flags *Flags) *Flags {
	flags.EventsCmd = true

	eventsFlags := flag.NewFlagSet("events", flag.ExitOnError)
	eventsFlags.StringVar(&flags.ConfigPath, "config", "", "Config file path")
	eventsFlags.BoolVar(&flags.EventsFollow, "f", false, "Follow journal output")

	eventsFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, `dcmwrap events - Show the event journal

USAGE:
  dcmwrap events [flags]

FLAGS:
  -f               Follow journal output (like tail -f)

EXAMPLES:
  dcmwrap events
  dcmwrap events -f

`)
	}

	eventsFlags.Parse(os.Args[2:])
	return flags
}

// parseDaemonFlags parses flags for daemon subcommands.
func parseDaemonFlags(flags *Flags, cmd string) *Flags {
	switch cmd {
	case "start":
		flags.DaemonStart = true
	case "stop":
		flags.DaemonStop = true
	case "restart":
		flags.DaemonRestart = true
	case "status":
		flags.DaemonStatus = true
	case "logs":
		flags.DaemonLogs = true
	}

	daemonFlags := flag.NewFlagSet(cmd, flag.ExitOnError)
	daemonFlags.StringVar(&flags.ConfigPath, "config", "", "Config file path")

	if cmd == "logs" {
		daemonFlags.BoolVar(&flags.DaemonFollow, "f", false, "Follow log output")
	}

	daemonFlags.Usage = func() {
		switch cmd {
		case "start":
			fmt.Fprintf(os.Stderr, `dcmwrap start - Start the listener daemon

USAGE:
  dcmwrap start [flags]

FLAGS:
  --config PATH    Config file (default: ~/.dcmwrap/config.yaml)

EXAMPLES:
  dcmwrap start
  dcmwrap start --config ./pacs-config.yaml

`)
		case "stop":
			fmt.Fprintf(os.Stderr, `dcmwrap stop - Stop the running daemon

USAGE:
  dcmwrap stop

`)
		case "restart":
			fmt.Fprintf(os.Stderr, `dcmwrap restart - Restart the daemon

USAGE:
  dcmwrap restart [flags]

FLAGS:
  --config PATH    Config file (default: ~/.dcmwrap/config.yaml)

`)
		case "status":
			fmt.Fprintf(os.Stderr, `dcmwrap status - Show daemon status

USAGE:
  dcmwrap status

`)
		case "logs":
			fmt.Fprintf(os.Stderr, `dcmwrap logs - View daemon logs

USAGE:
  dcmwrap logs [flags]

FLAGS:
  -f               Follow log output (like tail -f)

EXAMPLES:
  dcmwrap logs
  dcmwrap logs -f

`)
		}
	}

	daemonFlags.Parse(os.Args[2:])
	return flags
}

// parseSCUFlags parses flags shared by the one-shot SCU subcommands.
func parseSCUFlags(flags *Flags, cmd string) *Flags {
	flags.SCU = cmd

	var keys keyList
	scuFlags := flag.NewFlagSet(cmd, flag.ExitOnError)
	scuFlags.StringVar(&flags.ConfigPath, "config", "", "Config file path")
	scuFlags.StringVar(&flags.SCUHost, "host", "", "Peer hostname (default: remote.host from config)")
	scuFlags.IntVar(&flags.SCUPort, "port", 0, "Peer port (default: remote.port from config)")
	scuFlags.StringVar(&flags.SCUCalled, "aec", "", "Called AE title of the peer")
	scuFlags.StringVar(&flags.SCUCalling, "aet", "", "Calling AE title (default: listener.ae_title)")
	scuFlags.IntVar(&flags.SCUTimeout, "timeout", 30, "Association timeout in seconds")
	scuFlags.BoolVar(&flags.SCUPTY, "pty", false, "Run the tool under a pseudo-terminal")
	scuFlags.BoolVar(&flags.Stdout, "stdout", false, "Print event records to stdout")

	if cmd == "find" || cmd == "move" {
		scuFlags.Var(&keys, "k", "Matching key, attribute=value (repeatable)")
		scuFlags.StringVar(&flags.SCULevel, "level", "STUDY", "Query/retrieve level: PATIENT, STUDY, SERIES or IMAGE")
	}
	if cmd == "move" {
		scuFlags.StringVar(&flags.SCUDest, "dest", "", "Destination AE title (default: listener.ae_title)")
	}

	scuFlags.Usage = func() {
		switch cmd {
		case "echo":
			fmt.Fprintf(os.Stderr, `dcmwrap echo - Verify connectivity to a peer

USAGE:
  dcmwrap echo [flags]

FLAGS:
  --host HOST      Peer hostname
  --port PORT      Peer port
  --aec TITLE      Called AE title of the peer
  --aet TITLE      Calling AE title
  --timeout SEC    Association timeout (default: 30)

EXAMPLES:
  dcmwrap echo --host pacs.local --port 104 --aec PACS
  dcmwrap echo                   # Uses remote settings from config

`)
		case "send":
			fmt.Fprintf(os.Stderr, `dcmwrap send - Transmit files to a peer

USAGE:
  dcmwrap send [flags] <file>...

FLAGS:
  --host HOST      Peer hostname
  --port PORT      Peer port
  --aec TITLE      Called AE title of the peer
  --aet TITLE      Calling AE title
  --timeout SEC    Association timeout (default: 30)

EXAMPLES:
  dcmwrap send --host pacs.local --aec PACS image.dcm
  dcmwrap send study/*.dcm

`)
		case "find":
			fmt.Fprintf(os.Stderr, `dcmwrap find - Query a peer

USAGE:
  dcmwrap find [flags]

FLAGS:
  --host HOST      Peer hostname
  --port PORT      Peer port
  --aec TITLE      Called AE title of the peer
  --level LEVEL    Query level: PATIENT, STUDY, SERIES, IMAGE (default: STUDY)
  -k ATTR=VALUE    Matching key, repeatable

EXAMPLES:
  dcmwrap find --host pacs.local --aec PACS -k 0010,0010=DOE*
  dcmwrap find --level SERIES -k 0020,000D=1.2.840.113619.2.1.1

`)
		case "move":
			fmt.Fprintf(os.Stderr, `dcmwrap move - Ask a peer to send studies to a destination

USAGE:
  dcmwrap move [flags]

FLAGS:
  --host HOST      Peer hostname
  --port PORT      Peer port
  --aec TITLE      Called AE title of the peer
  --dest TITLE     Destination AE title (default: our listener)
  --level LEVEL    Retrieve level: PATIENT, STUDY, SERIES, IMAGE (default: STUDY)
  -k ATTR=VALUE    Matching key, repeatable

EXAMPLES:
  dcmwrap move --host pacs.local --aec PACS -k 0020,000D=1.2.840.113619.2.1.1
  dcmwrap move --dest WORKSTATION -k 0010,0020=12345

`)
		}
	}

	scuFlags.Parse(os.Args[2:])
	flags.SCUKeys = keys
	flags.SCUFiles = scuFlags.Args()

	return flags
}

// customUsage provides user-friendly help text.
func customUsage() {
	fmt.Fprintf(os.Stderr, `dcmwrap - DICOM toolkit wrapper with structured events

USAGE:
  dcmwrap setup              Run the interactive setup wizard
  dcmwrap listen [flags]     Run the store listener in the foreground
  dcmwrap start              Start the listener daemon in the background
  dcmwrap stop               Stop the running daemon
  dcmwrap restart            Restart the daemon
  dcmwrap status             Show daemon status
  dcmwrap logs [-f]          View daemon logs
  dcmwrap events [-f]        Show the event journal
  dcmwrap echo [flags]       Verify connectivity to a peer
  dcmwrap send [flags] FILE  Transmit files to a peer
  dcmwrap find [flags]       Query a peer
  dcmwrap move [flags]       Retrieve from a peer

GETTING STARTED:
  dcmwrap setup              Create a config interactively
  dcmwrap --check            Verify toolkit binaries and config
  dcmwrap listen --stdout    Run in the foreground, events on stdout

DAEMON COMMANDS:
  start               Start the listener daemon in the background
  stop                Stop the running daemon
  restart             Restart the daemon
  status              Show daemon status (running/stopped, PID, uptime)
  logs                View daemon log file (use -f to follow)

FLAGS:
  --config PATH       Config file (default: ~/.dcmwrap/config.yaml)
  --check             Verify toolkit binaries and config, then exit
  --version           Print version and exit

EXAMPLES:
  # Verify the toolkit is installed
  dcmwrap --check

  # Run the listener in the foreground
  dcmwrap listen --stdout

  # Start the daemon in the background
  dcmwrap start
  dcmwrap status
  dcmwrap logs -f

  # Talk to a peer
  dcmwrap echo --host pacs.local --port 104 --aec PACS
  dcmwrap send --host pacs.local --aec PACS image.dcm
  dcmwrap find --aec PACS -k 0010,0010=DOE*

CONFIGURATION:
  Config file: ~/.dcmwrap/config.yaml
  Edit this file to set the listener AE title, port, output directory,
  and event delivery (journal, webhooks, socket, websocket).

`)
}
