// Package frp manages a local frpc process that tunnels a SOCKS5 proxy to
// the remote browser, letting a task route its traffic through the machine
// running the SDK.
package frp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/circlemind-ai/smooth-go/internal/logging"
)

// Version is the pinned frp release.
const Version = "0.66.0"

const startupGrace = 1 * time.Second

// Config describes one tunnel.
type Config struct {
	ServerAddr string // frps host, no scheme
	ServerPort int    // defaults to 7000
	Token      string // auth token, the session's proxy password
	RemotePort int    // defaults to 1080
	TunnelID   string // unique per tunnel, used in proxy and file names
}

type clientConfig struct {
	ServerAddr string          `yaml:"serverAddr"`
	ServerPort int             `yaml:"serverPort"`
	Auth       authConfig      `yaml:"auth"`
	Transport  transportConfig `yaml:"transport"`
	Proxies    []proxyConfig   `yaml:"proxies"`
}

type authConfig struct {
	Method string `yaml:"method"`
	Token  string `yaml:"token"`
}

type transportConfig struct {
	Protocol string    `yaml:"protocol"`
	TLS      tlsConfig `yaml:"tls"`
}

type tlsConfig struct {
	Enable     bool   `yaml:"enable"`
	ServerName string `yaml:"serverName"`
}

type proxyConfig struct {
	Name       string       `yaml:"name"`
	Type       string       `yaml:"type"`
	RemotePort int          `yaml:"remotePort"`
	Plugin     pluginConfig `yaml:"plugin"`
}

type pluginConfig struct {
	Type string `yaml:"type"`
}

// Render produces the frpc YAML configuration for this tunnel.
func (c Config) Render() ([]byte, error) {
	if c.ServerAddr == "" {
		return nil, fmt.Errorf("frp: server address is required")
	}
	port := c.ServerPort
	if port == 0 {
		port = 7000
	}
	remote := c.RemotePort
	if remote == 0 {
		remote = 1080
	}
	cfg := clientConfig{
		ServerAddr: c.ServerAddr,
		ServerPort: port,
		Auth:       authConfig{Method: "token", Token: c.Token},
		Transport: transportConfig{
			Protocol: "websocket",
			TLS:      tlsConfig{Enable: true, ServerName: c.ServerAddr},
		},
		Proxies: []proxyConfig{{
			Name:       "socks5_tunnel_" + c.TunnelID,
			Type:       "tcp",
			RemotePort: remote,
			Plugin:     pluginConfig{Type: "socks5"},
		}},
	}
	return yaml.Marshal(cfg)
}

// Tunnel is a managed frpc process.
type Tunnel struct {
	cfg Config
	log logging.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	configPath string
	exited     chan error
}

// NewTunnel builds a tunnel; Start launches it.
func NewTunnel(cfg Config, logger logging.Logger) *Tunnel {
	return &Tunnel{cfg: cfg, log: logging.OrNop(logger)}
}

// Start installs frpc if needed, writes the config, and launches the
// process. It fails if the process exits within the first second.
func (t *Tunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil {
		return fmt.Errorf("frp: tunnel already running")
	}

	bin, err := ensureBinary(ctx)
	if err != nil {
		return fmt.Errorf("frp: install failed: %w", err)
	}

	rendered, err := t.cfg.Render()
	if err != nil {
		return err
	}
	dir, err := stateDir()
	if err != nil {
		return err
	}
	configPath := filepath.Join(dir, fmt.Sprintf("frpc_%s.yml", t.cfg.TunnelID))
	if err := os.WriteFile(configPath, rendered, 0o600); err != nil {
		return fmt.Errorf("frp: write config: %w", err)
	}

	cmd := exec.Command(bin, "-c", configPath)
	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		return fmt.Errorf("frp: start frpc: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case werr := <-exited:
		os.Remove(configPath)
		return fmt.Errorf("frp: frpc exited immediately: %v", werr)
	case <-time.After(startupGrace):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		os.Remove(configPath)
		return ctx.Err()
	}

	t.cmd = cmd
	t.configPath = configPath
	t.exited = exited
	t.log.Info("frp tunnel %s started (server %s, remote port %d)", t.cfg.TunnelID, t.cfg.ServerAddr, t.cfg.RemotePort)
	return nil
}

// Stop terminates the process, escalating to SIGKILL after a grace period,
// and removes the config file.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return
	}
	_ = t.cmd.Process.Signal(os.Interrupt)
	select {
	case <-t.exited:
	case <-time.After(5 * time.Second):
		_ = t.cmd.Process.Kill()
		<-t.exited
	}
	if t.configPath != "" {
		os.Remove(t.configPath)
	}
	t.cmd = nil
	t.configPath = ""
	t.exited = nil
}

// Running reports whether the frpc process is alive.
func (t *Tunnel) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return false
	}
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// ServerFromLiveURL extracts the frps server address from a task live-view
// URL. The live URL carries a URL-safe base64 `b` parameter holding the
// browser endpoint; the proxy endpoint is the same host with the
// browser-live component swapped for browser-proxy.
func ServerFromLiveURL(liveURL string) (string, error) {
	u, err := url.Parse(liveURL)
	if err != nil {
		return "", fmt.Errorf("frp: parse live url: %w", err)
	}
	b := u.Query().Get("b")
	if b == "" {
		return "", fmt.Errorf("frp: live url carries no proxy endpoint")
	}
	if pad := len(b) % 4; pad != 0 {
		b += strings.Repeat("=", 4-pad)
	}
	decoded, err := base64.URLEncoding.DecodeString(b)
	if err != nil {
		return "", fmt.Errorf("frp: decode proxy endpoint: %w", err)
	}
	addr := string(decoded)
	if i := strings.Index(addr, "https://"); i >= 0 {
		addr = addr[i+len("https://"):]
	}
	addr = strings.ReplaceAll(addr, "browser-live", "browser-proxy")
	if i := strings.IndexAny(addr, "?"); i >= 0 {
		addr = addr[:i]
	}
	return strings.Trim(addr, "/"), nil
}

func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("frp: resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".smooth", "frp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("frp: create state directory: %w", err)
	}
	return dir, nil
}
