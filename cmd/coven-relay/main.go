// ABOUTME: Entry point for coven-relay, the conversation event relay
// ABOUTME: Subcommands to serve, write a starter config and probe a running relay

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                 _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check relay health and subscriber count")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if there is one. A missing file at the
// default location means defaults plus environment; an explicit
// COVEN_RELAY_CONFIG that does not exist is an error.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && os.Getenv("COVEN_RELAY_CONFIG") == "" {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	shownPath := configPath
	if shownPath == "" {
		shownPath = "(defaults + environment)"
	}
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", shownPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr())
	green.Print("    ▶ ")
	if cfg.Forwarding.Endpoint != "" {
		fmt.Printf("Backend:   %s (timeout %s)\n", cfg.Forwarding.Endpoint, cfg.Forwarding.Timeout)
	} else {
		fmt.Print("Backend:   ")
		yellow.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Prompts:   %s\n", cfg.Prompts.Dir)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", shownPath,
		"addr", cfg.Server.Addr(),
		"backend", cfg.Forwarding.Endpoint,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return gw.Run(ctx)
}

// healthURL points at the local listener. A wildcard host is probed on loopback.
func healthURL(cfg *config.Config, path string) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + path
}

func runHealth(ctx context.Context, out io.Writer) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := probe(ctx, healthURL(cfg, "/health"), out); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return probe(ctx, healthURL(cfg, "/health/ready"), out)
}

func probe(ctx context.Context, url string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	Host             string
	Port             string
	AllowedOrigins   string
	Endpoint         string
	ClientID         string
	Timeout          string
	PromptsDir       string
	TailscaleEnabled bool
	TSHostname       string
	TSEphemeral      bool
	TSFunnel         bool
	LogLevel         string
	LogFormat        string
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	def := config.Default()
	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.Host = prompt(reader, out, "Listen host", def.Server.Host)
	a.Port = prompt(reader, out, "Listen port", strconv.Itoa(def.Server.Port))
	a.AllowedOrigins = prompt(reader, out, "Allowed origins (comma separated)", strings.Join(def.CORS.AllowedOrigins, ","))

	fmt.Fprintln(out, "\n--- Backend Forwarding ---")
	a.Endpoint = prompt(reader, out, "Backend endpoint (\"none\" disables forwarding)", def.Forwarding.Endpoint)
	if strings.EqualFold(a.Endpoint, "none") {
		a.Endpoint = ""
	}
	a.ClientID = prompt(reader, out, "Client ID", def.Forwarding.ClientID)
	a.Timeout = prompt(reader, out, "Forward timeout", def.Forwarding.TimeoutRaw)

	fmt.Fprintln(out, "\n--- Prompts ---")
	a.PromptsDir = prompt(reader, out, "Prompts directory", def.Prompts.Dir)

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", def.Tailscale.Hostname)
		a.TSEphemeral = isYes(prompt(reader, out, "Ephemeral node?", "no"))
		a.TSFunnel = isYes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", def.Logging.Level)
	a.LogFormat = prompt(reader, out, "Log format (text/json)", def.Logging.Format)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "Tailscale auth keys are read from TS_AUTHKEY.")
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-relay serve")
	return nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# coven-relay configuration\n")
	b.WriteString("# Generated by coven-relay init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  host: %q\n", a.Host)
	fmt.Fprintf(&b, "  port: %s\n", a.Port)
	b.WriteString("\n")

	b.WriteString("cors:\n")
	b.WriteString("  allowed_origins:\n")
	for _, o := range strings.Split(a.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			fmt.Fprintf(&b, "    - %q\n", o)
		}
	}
	b.WriteString("\n")

	b.WriteString("forwarding:\n")
	fmt.Fprintf(&b, "  endpoint: %q\n", a.Endpoint)
	fmt.Fprintf(&b, "  client_id: %q\n", a.ClientID)
	fmt.Fprintf(&b, "  timeout: %q\n", a.Timeout)
	b.WriteString("\n")

	b.WriteString("prompts:\n")
	fmt.Fprintf(&b, "  dir: %q\n", a.PromptsDir)
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		fmt.Fprintf(&b, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&b, "  funnel: %t\n", a.TSFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	b.WriteString("\n")

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}
