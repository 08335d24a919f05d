// Package config provides configuration parsing and validation for s2p.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/s2p/internal/certutil"
	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/protocol"
)

// Config represents the complete s2p configuration. A single file may
// configure the server side, the client side, or both.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TLSConfig defines certificate settings. Leaving cert and key empty makes
// the process generate an ephemeral identity at startup.
type TLSConfig struct {
	Cert     string `yaml:"cert"`      // Certificate file path
	Key      string `yaml:"key"`       // Private key file path
	CA       string `yaml:"ca"`        // CA used to verify the server
	ClientCA string `yaml:"client_ca"` // CA required of client certificates
}

// ServerConfig defines the accepting side of the carrier.
type ServerConfig struct {
	Listen           string        `yaml:"listen"`
	ALPN             string        `yaml:"alpn"`
	TLS              TLSConfig     `yaml:"tls"`
	AllowedPeers     []string      `yaml:"allowed_peers"` // fingerprints; empty allows any peer
	MaxSessions      int           `yaml:"max_sessions"`  // 0 = unlimited
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	BufferSize       ByteSize      `yaml:"buffer_size"`
	RateLimit        ByteSize      `yaml:"rate_limit"`     // per direction, per second; 0 = unlimited
	AllowedRoutes    []string      `yaml:"allowed_routes"` // CIDRs; empty allows every destination
	DNS              DNSConfig     `yaml:"dns"`
	UDP              UDPConfig     `yaml:"udp"`
}

// DNSConfig defines resolver settings for domain targets.
type DNSConfig struct {
	Servers []string      `yaml:"servers"` // empty uses the system resolver
	Timeout time.Duration `yaml:"timeout"`
	MaxTTL  time.Duration `yaml:"max_ttl"`
}

// UDPConfig defines UDP association settings.
type UDPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Datagrams    bool          `yaml:"datagrams"` // relay over carrier datagrams as well
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxFlows     int           `yaml:"max_flows"`
	AllowedPorts []string      `yaml:"allowed_ports"`
}

// ClientConfig defines the dialing side of the carrier.
type ClientConfig struct {
	Server            string          `yaml:"server"`
	ALPN              string          `yaml:"alpn"`
	TLS               TLSConfig       `yaml:"tls"`
	ServerFingerprint string          `yaml:"server_fingerprint"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	Forwards          []ForwardConfig `yaml:"forwards"`
}

// ForwardConfig exposes one remote target as a local TCP port.
type ForwardConfig struct {
	Listen         string `yaml:"listen"`
	Target         string `yaml:"target"` // host:port as seen from the server
	MaxConnections int    `yaml:"max_connections"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines the local control socket used by the status and
// sessions commands. An empty socket path disables it.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// maxSocketPath is the portable limit for unix socket paths (sun_path).
const maxSocketPath = 104

// ByteSize is a byte count written either as a plain number or as a human
// string such as "32KiB" or "10 MB".
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	if n, err := strconv.ParseUint(value.Value, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler. The exact count is written so a
// round trip does not lose precision.
func (b ByteSize) MarshalYAML() (any, error) {
	return uint64(b), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen:           "0.0.0.0:4433",
			ALPN:             protocol.ALPN,
			AllowedPeers:     []string{},
			MaxSessions:      0,
			HandshakeTimeout: 30 * time.Second,
			ConnectTimeout:   30 * time.Second,
			BufferSize:       32 * 1024,
			AllowedRoutes:    []string{},
			DNS: DNSConfig{
				Servers: []string{},
				Timeout: 5 * time.Second,
				MaxTTL:  5 * time.Minute,
			},
			UDP: UDPConfig{
				Enabled:      true,
				Datagrams:    false,
				IdleTimeout:  60 * time.Second,
				MaxFlows:     256,
				AllowedPorts: []string{},
			},
		},
		Client: ClientConfig{
			ALPN:             protocol.ALPN,
			HandshakeTimeout: 30 * time.Second,
			Forwards:         []ForwardConfig{},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unknown variables without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	errs = append(errs, c.Server.validate()...)
	errs = append(errs, c.Client.validate()...)

	if c.Health.Enabled && !isValidHostPort(c.Health.Address) {
		errs = append(errs, fmt.Sprintf("health.address: invalid address: %q", c.Health.Address))
	}
	if len(c.Control.Socket) > maxSocketPath {
		errs = append(errs, fmt.Sprintf("control.socket: path longer than %d bytes", maxSocketPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (s *ServerConfig) validate() []string {
	var errs []string

	if !isValidHostPort(s.Listen) {
		errs = append(errs, fmt.Sprintf("server.listen: invalid address: %q", s.Listen))
	}
	if s.ALPN == "" {
		errs = append(errs, "server.alpn is required")
	}
	if err := s.TLS.validate(); err != nil {
		errs = append(errs, "server.tls: "+err.Error())
	}
	for i, fp := range s.AllowedPeers {
		if _, err := certutil.NormalizeFingerprint(fp); err != nil {
			errs = append(errs, fmt.Sprintf("server.allowed_peers[%d]: %v", i, err))
		}
	}
	if s.MaxSessions < 0 {
		errs = append(errs, "server.max_sessions must not be negative")
	}
	if s.HandshakeTimeout <= 0 {
		errs = append(errs, "server.handshake_timeout must be positive")
	}
	if s.ConnectTimeout <= 0 {
		errs = append(errs, "server.connect_timeout must be positive")
	}
	if s.BufferSize < 1024 {
		errs = append(errs, "server.buffer_size must be at least 1KiB")
	}
	for i, route := range s.AllowedRoutes {
		if !isValidCIDR(route) {
			errs = append(errs, fmt.Sprintf("server.allowed_routes[%d]: invalid CIDR: %s", i, route))
		}
	}
	for i, srv := range s.DNS.Servers {
		if !isValidHostPort(srv) {
			errs = append(errs, fmt.Sprintf("server.dns.servers[%d]: invalid address: %q", i, srv))
		}
	}
	if s.DNS.Timeout <= 0 {
		errs = append(errs, "server.dns.timeout must be positive")
	}

	if s.UDP.Datagrams && !s.UDP.Enabled {
		errs = append(errs, "server.udp.datagrams requires server.udp.enabled")
	}
	if s.UDP.MaxFlows < 0 {
		errs = append(errs, "server.udp.max_flows must not be negative")
	}
	for i, p := range s.UDP.AllowedPorts {
		if !isValidPortSpec(p) {
			errs = append(errs, fmt.Sprintf("server.udp.allowed_ports[%d]: invalid port: %q", i, p))
		}
	}

	return errs
}

func (c *ClientConfig) validate() []string {
	var errs []string

	// The client section is optional as a whole.
	if c.Server == "" {
		if len(c.Forwards) > 0 {
			errs = append(errs, "client.server is required when forwards are configured")
		}
		return errs
	}

	if !isValidHostPort(c.Server) {
		errs = append(errs, fmt.Sprintf("client.server: invalid address: %q", c.Server))
	}
	if c.ALPN == "" {
		errs = append(errs, "client.alpn is required")
	}
	if err := c.TLS.validate(); err != nil {
		errs = append(errs, "client.tls: "+err.Error())
	}
	if c.ServerFingerprint != "" {
		if _, err := certutil.NormalizeFingerprint(c.ServerFingerprint); err != nil {
			errs = append(errs, fmt.Sprintf("client.server_fingerprint: %v", err))
		}
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, "client.handshake_timeout must be positive")
	}

	for i, f := range c.Forwards {
		if err := f.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("client.forwards[%d]: %v", i, err))
		}
	}

	return errs
}

func (t *TLSConfig) validate() error {
	if (t.Cert == "") != (t.Key == "") {
		return fmt.Errorf("cert and key must be set together")
	}
	return nil
}

func (f *ForwardConfig) validate() error {
	if !isValidHostPort(f.Listen) {
		return fmt.Errorf("invalid listen address: %q", f.Listen)
	}
	if _, err := protocol.ParseTarget(f.Target); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if f.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	return nil
}

func isValidHostPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

func isValidCIDR(cidr string) bool {
	_, err := netip.ParsePrefix(cidr)
	return err == nil
}

func isValidPortSpec(p string) bool {
	if p == "*" {
		return true
	}
	n, err := strconv.Atoi(p)
	return err == nil && n >= 1 && n <= 65535
}

// String returns a string representation of the config (for debugging).
// Key paths are redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with private key paths redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Server.TLS.Key != "" {
		redacted.Server.TLS.Key = redactedValue
	}
	if redacted.Client.TLS.Key != "" {
		redacted.Client.TLS.Key = redactedValue
	}

	return redacted
}
