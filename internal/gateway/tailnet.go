// ABOUTME: Optional tsnet node so the relay can be reached over a tailnet instead of a TCP port
// ABOUTME: Chooses between Funnel, tailnet HTTPS with LocalClient certs, and plain HTTP on :80

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/config"
)

// tailnet is a running tsnet node plus the listener the HTTP server uses.
type tailnet struct {
	node   *tsnet.Server
	ln     net.Listener
	logger *slog.Logger
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "coven-relay", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return configured, nil
}

// joinTailnet brings a node up and opens its HTTP listener. On any failure
// the node is closed before returning.
func joinTailnet(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (*tailnet, error) {
	dir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	key, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	t := &tailnet{
		node: &tsnet.Server{
			Hostname:  cfg.Hostname,
			Dir:       dir,
			Ephemeral: cfg.Ephemeral,
			AuthKey:   key,
			Logf:      func(string, ...any) {},
		},
		logger: logger,
	}

	logger.Info("joining tailnet", "hostname", cfg.Hostname, "state_dir", dir, "ephemeral", cfg.Ephemeral)
	status, err := t.node.Up(ctx)
	if err != nil {
		_ = t.node.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	logger.Info("tailnet node up", "hostname", cfg.Hostname, "ip", ip, "dns_name", dnsName)

	if t.ln, err = t.listen(cfg); err != nil {
		_ = t.node.Close()
		return nil, err
	}
	return t, nil
}

func (t *tailnet) listen(cfg config.TailscaleConfig) (net.Listener, error) {
	if cfg.Funnel {
		t.logger.Info("serving publicly through tailscale funnel on :443")
		ln, err := t.node.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	if !cfg.HTTPS {
		ln, err := t.node.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailnet :80: %w", err)
		}
		return ln, nil
	}

	t.logger.Info("serving tailnet HTTPS on :443")
	ln, err := t.node.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet :443: %w", err)
	}
	lc, err := t.node.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// Close stops the node; the listener goes with it.
func (t *tailnet) Close() error {
	return t.node.Close()
}
