package config

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ToolStatus reports whether one toolkit binary was found. Resolution
// happens in the caller; this keeps the wizard free of a spawn import.
type ToolStatus struct {
	Name  string
	Path  string
	Found bool
}

// SetupToolProvider is a function type for locating the toolkit binaries.
type SetupToolProvider func(binDir string) []ToolStatus

// SetupWebhookTester is a function type for testing webhooks.
type SetupWebhookTester func(webhook string) error

// SetupOptions configures the setup wizard.
type SetupOptions struct {
	FindTools   SetupToolProvider
	TestWebhook SetupWebhookTester
}

// SetupWizard runs the interactive configuration wizard.
func SetupWizard(opts SetupOptions) error {
	fmt.Println()
	fmt.Printf("Welcome to dcmwrap %s setup!\n", Version)
	fmt.Println()

	cfg := DefaultConfig()
	reader := bufio.NewReader(os.Stdin)

	// Step 1: Toolkit location
	if err := setupToolkit(reader, cfg, opts.FindTools); err != nil {
		return err
	}

	// Step 2: Listener identity
	if err := setupListener(reader, cfg); err != nil {
		return err
	}

	// Step 3: Remote peer
	if err := setupRemote(reader, cfg); err != nil {
		return err
	}

	// Step 4: Event delivery
	if err := setupEvents(reader, cfg, opts.TestWebhook); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	configPath := DefaultConfigPath()
	if err := Save(cfg, configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration saved to %s\n", configPath)
	fmt.Println()
	fmt.Println("Run 'dcmwrap listen' to start receiving!")
	fmt.Println()

	return nil
}

// setupToolkit locates the DCMTK binaries, asking for a directory when
// the PATH search comes up empty.
func setupToolkit(reader *bufio.Reader, cfg *Config, findTools SetupToolProvider) error {
	fmt.Println("[1/4] DCMTK toolkit")

	if findTools == nil {
		fmt.Println("  Skipping binary detection.")
		fmt.Println()
		return nil
	}

	for {
		tools := findTools(cfg.Toolkit.BinDir)
		missing := 0
		for _, tool := range tools {
			if tool.Found {
				fmt.Printf("    ✓ %-9s %s\n", tool.Name, tool.Path)
			} else {
				fmt.Printf("    ✗ %-9s not found\n", tool.Name)
				missing++
			}
		}
		if missing == 0 {
			break
		}

		fmt.Println()
		fmt.Printf("  %d tool(s) missing. Enter the DCMTK bin directory, or leave\n", missing)
		fmt.Println("  empty to continue anyway (you can set toolkit.bin_dir later).")
		dir := promptString(reader, "Bin directory")
		if dir == "" {
			break
		}
		cfg.Toolkit.BinDir = dir
		fmt.Println()
	}

	fmt.Println()
	return nil
}

// setupListener configures the store listener identity.
func setupListener(reader *bufio.Reader, cfg *Config) error {
	fmt.Println("[2/4] Store listener")

	cfg.Listener.AETitle = promptDefault(reader, "AE title", cfg.Listener.AETitle)
	cfg.Listener.Port = promptInt(reader, "Port", cfg.Listener.Port)
	cfg.Listener.OutputDir = promptDefault(reader, "Output directory", cfg.Listener.OutputDir)

	fmt.Println()
	return nil
}

// setupRemote configures the default peer for the client commands.
func setupRemote(reader *bufio.Reader, cfg *Config) error {
	fmt.Println("[3/4] Remote peer (for echo/send/find/move)")
	fmt.Println("  Leave the host empty to configure this later.")

	cfg.Remote.Host = promptString(reader, "Peer host")
	if cfg.Remote.Host != "" {
		cfg.Remote.Port = promptInt(reader, "Peer port", cfg.Remote.Port)
		cfg.Remote.AETitle = promptDefault(reader, "Peer AE title", cfg.Remote.AETitle)
	}

	fmt.Println()
	return nil
}

// setupEvents configures where event records go.
func setupEvents(reader *bufio.Reader, cfg *Config, testWebhook SetupWebhookTester) error {
	fmt.Println("[4/4] Event delivery")

	cfg.Events.Journal.Enabled = promptYesNo(reader, "Write events to a journal file?", true)

	webhook := promptString(reader, "Webhook URL (empty for none)")
	if webhook != "" {
		cfg.Events.Webhooks = append(cfg.Events.Webhooks, WebhookConfig{URL: webhook})

		if testWebhook != nil {
			fmt.Print("Testing webhook... ")
			if err := testWebhook(webhook); err != nil {
				fmt.Println("FAILED")
				fmt.Printf("  Error: %v\n", err)
				fmt.Println("  You can edit the URL later in the config file.")
			} else {
				fmt.Println("Success!")
			}
		}
	}

	if promptYesNo(reader, "Serve a live websocket feed?", false) {
		cfg.Events.WebSocket.Enabled = true
		cfg.Events.WebSocket.Addr = promptDefault(reader, "Websocket address", cfg.Events.WebSocket.Addr)
	}

	return nil
}

// promptString prompts for a string value.
func promptString(reader *bufio.Reader, prompt string) string {
	fmt.Printf("%s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

// promptDefault prompts for a string value with a default.
func promptDefault(reader *bufio.Reader, prompt, def string) string {
	fmt.Printf("%s [%s]: ", prompt, def)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

// promptInt prompts for an integer value with a default.
func promptInt(reader *bufio.Reader, prompt string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", prompt, def)
		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "" {
			return def
		}
		n, err := strconv.Atoi(input)
		if err != nil {
			fmt.Println("  Please enter a number")
			continue
		}
		return n
	}
}

// promptYesNo prompts for a yes/no answer with a default.
func promptYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, hint)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return def
	}
	return input == "y" || input == "yes"
}

// DefaultTestWebhook posts a test record to the webhook.
func DefaultTestWebhook(webhook string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := fmt.Sprintf(`{"event":"TEST","kind":"state","tool":"dcmwrap","text":"dcmwrap %s test delivery"}`, Version)
	req, err := http.NewRequestWithContext(ctx, "POST", webhook, strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
