// ABOUTME: Operator subcommands: config bootstrap, token minting and remote checks
// ABOUTME: status, logout and health talk to a running gateway over its HTTP API

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/concierge-gateway/internal/auth"
	"github.com/2389/concierge-gateway/internal/config"
)

const secretPlaceholder = "${CONCIERGE_JWT_SECRET}"

func runInit(args []string) error {
	fs, configFlag := newFlagSet("init")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := config.ResolvePath(*configFlag)

	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	if err := writeStarterConfig(path, secret); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  concierge-gateway serve --config %s\n", path)
	fmt.Printf("  concierge-gateway token --config %s --sub my-app\n", path)
	return nil
}

// writeStarterConfig writes the example config with a fresh JWT secret.
// The file holds a secret, so it is only readable by the owner.
func writeStarterConfig(path, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	text := strings.Replace(config.Example, secretPlaceholder, secret, 1)
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func runToken(args []string) error {
	fs, configFlag := newFlagSet("token")
	subject := fs.String("sub", "", "token subject, usually the client name")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--sub is required")
	}

	cfg, err := config.Load(config.ResolvePath(*configFlag))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := mintToken(cfg.Auth.JWTSecret, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth.jwt_secret is not set; the gateway accepts unauthenticated requests")
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", err
	}
	return verifier.Generate(subject, ttl)
}

// remoteFlags are shared by the commands that call a running gateway.
type remoteFlags struct {
	config *string
	url    *string
	token  *string
}

func parseRemote(name string, args []string) (remoteFlags, error) {
	fs, configFlag := newFlagSet(name)
	f := remoteFlags{
		config: configFlag,
		url:    fs.String("url", "", "gateway base URL (default: derived from the config)"),
		token:  fs.String("token", os.Getenv("CONCIERGE_TOKEN"), "API token (default: $CONCIERGE_TOKEN)"),
	}
	return f, fs.Parse(args)
}

// baseURL returns the gateway address, preferring --url over the config.
func (f remoteFlags) baseURL() (string, error) {
	if *f.url != "" {
		return strings.TrimRight(*f.url, "/"), nil
	}
	cfg, err := config.Load(config.ResolvePath(*f.config))
	if err != nil {
		return "", fmt.Errorf("loading config (or pass --url): %w", err)
	}
	return addrToURL(cfg), nil
}

func addrToURL(cfg *config.Config) string {
	if cfg.Server.HTTPAddr == "" && cfg.Tailscale.Enabled {
		if cfg.Tailscale.Funnel || cfg.Tailscale.CertFile != "" {
			return "https://" + cfg.Tailscale.Hostname
		}
		return "http://" + cfg.Tailscale.Hostname
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "http://" + cfg.Server.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// apiResult mirrors the API's {success, data, error} envelope.
type apiResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func callAPI(ctx context.Context, f remoteFlags, method, path string) (*apiResult, error) {
	base, err := f.baseURL()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if *f.token != "" {
		req.Header.Set("Authorization", "Bearer "+*f.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.New("unauthorized: pass --token or set CONCIERGE_TOKEN")
	}

	var res apiResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !res.Success {
		if res.Error != nil {
			return nil, fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
		}
		return nil, fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}
	return &res, nil
}

func runStatus(ctx context.Context, args []string) error {
	f, err := parseRemote("status", args)
	if err != nil {
		return err
	}
	res, err := callAPI(ctx, f, http.MethodGet, "/api/status")
	if err != nil {
		return err
	}

	var st struct {
		State        string `json:"state"`
		Connected    bool   `json:"connected"`
		AccountID    string `json:"accountId"`
		NeedsPairing bool   `json:"needsPairing"`
	}
	if err := json.Unmarshal(res.Data, &st); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	stateColor := color.New(color.FgYellow)
	if st.Connected {
		stateColor = color.New(color.FgGreen)
	}
	fmt.Print("State:    ")
	stateColor.Println(st.State)
	if st.AccountID != "" {
		fmt.Printf("Account:  %s\n", st.AccountID)
	}
	if st.NeedsPairing {
		color.New(color.FgYellow).Println("Pairing required: open /api/pairing-code?format=png or watch the serve output")
	}
	return nil
}

func runLogout(ctx context.Context, args []string) error {
	f, err := parseRemote("logout", args)
	if err != nil {
		return err
	}
	if _, err := callAPI(ctx, f, http.MethodPost, "/api/disconnect"); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Println("Logged out; the gateway will issue a new pairing code")
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs, configFlag := newFlagSet("health")
	url := fs.String("url", "", "gateway base URL (default: derived from the config)")
	ready := fs.Bool("ready", false, "check readiness (connected to WhatsApp) instead of liveness")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f := remoteFlags{config: configFlag, url: url}
	base, err := f.baseURL()
	if err != nil {
		return err
	}

	path := "/health"
	if *ready {
		path = "/health/ready"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
