// ABOUTME: Entry point for concierge-gateway, the WhatsApp session gateway
// ABOUTME: Dispatches the serve, init, token, status, logout and health subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/concierge-gateway/internal/config"
	"github.com/2389/concierge-gateway/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _
  ___ ___  _ __   ___(_) ___ _ __ __ _  ___
 / __/ _ \| '_ \ / __| |/ _ \ '__/ _' |/ _ \
| (_| (_) | | | | (__| |  __/ | | (_| |  __/
 \___\___/|_| |_|\___|_|\___|_|  \__, |\___|
                                 |___/
`

func usage() {
	fmt.Println("Usage: concierge-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server")
	fmt.Println("  init                       Write a starter config file")
	fmt.Println("  token --sub NAME [--ttl D] Mint an API token")
	fmt.Println("  status                     Show the running gateway's connection state")
	fmt.Println("  logout                     Unlink the WhatsApp account from the running gateway")
	fmt.Println("  health [--ready]           Check gateway health")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default: $CONCIERGE_CONFIG or $XDG_CONFIG_HOME/concierge/gateway.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "status":
		err = runStatus(ctx, args)
	case "logout":
		err = runLogout(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to the config file")
	return fs, configPath
}

func runServe(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("serve")
	noQR := fs.Bool("no-qr", false, "do not print pairing codes as terminal QR codes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	configPath := config.ResolvePath(*configFlag)

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
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
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Session:   %s\n", cfg.Session.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Device DB: %s\n", cfg.WhatsApp.DeviceDB)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API authentication disabled (auth.jwt_secret is empty)")
	}
	fmt.Println()

	logger.Info("starting concierge-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"session_backend", cfg.Session.Backend,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if !*noQR {
		go printPairingCodes(ctx, srv.Events(), os.Stdout)
	}

	return srv.Run(ctx)
}
