package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Server.ALPN != "s2p/1" {
		t.Errorf("Server.ALPN = %s, want s2p/1", cfg.Server.ALPN)
	}
	if cfg.Server.HandshakeTimeout != 30*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want 30s", cfg.Server.HandshakeTimeout)
	}
	if cfg.Server.BufferSize != 32*1024 {
		t.Errorf("Server.BufferSize = %d, want 32768", cfg.Server.BufferSize)
	}
	if cfg.Server.UDP.IdleTimeout != 60*time.Second {
		t.Errorf("Server.UDP.IdleTimeout = %v, want 60s", cfg.Server.UDP.IdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

server:
  listen: "0.0.0.0:5000"
  tls:
    cert: "./certs/server.crt"
    key: "./certs/server.key"
  allowed_peers:
    - "sha256:0000000000000000000000000000000000000000000000000000000000000001"
  max_sessions: 100
  handshake_timeout: 10s
  buffer_size: 64KiB
  rate_limit: "10 MB"
  allowed_routes:
    - "10.0.0.0/8"
    - "2001:db8::/32"
  dns:
    servers:
      - "1.1.1.1:53"
    timeout: 2s
  udp:
    enabled: true
    datagrams: true
    idle_timeout: 2m
    max_flows: 32
    allowed_ports: ["53", "123"]

client:
  server: "relay.example.com:5000"
  server_fingerprint: "0000000000000000000000000000000000000000000000000000000000000002"
  forwards:
    - listen: "127.0.0.1:2222"
      target: "db.internal:22"
      max_connections: 4

health:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Server.Listen != "0.0.0.0:5000" {
		t.Errorf("Server.Listen = %s", cfg.Server.Listen)
	}
	if cfg.Server.MaxSessions != 100 {
		t.Errorf("Server.MaxSessions = %d, want 100", cfg.Server.MaxSessions)
	}
	if cfg.Server.HandshakeTimeout != 10*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want 10s", cfg.Server.HandshakeTimeout)
	}
	if cfg.Server.BufferSize != 64*1024 {
		t.Errorf("Server.BufferSize = %d, want 65536", cfg.Server.BufferSize)
	}
	if cfg.Server.RateLimit != 10_000_000 {
		t.Errorf("Server.RateLimit = %d, want 10000000", cfg.Server.RateLimit)
	}
	if len(cfg.Server.AllowedRoutes) != 2 {
		t.Errorf("len(Server.AllowedRoutes) = %d, want 2", len(cfg.Server.AllowedRoutes))
	}
	if !cfg.Server.UDP.Datagrams {
		t.Error("Server.UDP.Datagrams = false, want true")
	}
	if cfg.Server.UDP.IdleTimeout != 2*time.Minute {
		t.Errorf("Server.UDP.IdleTimeout = %v, want 2m", cfg.Server.UDP.IdleTimeout)
	}
	if cfg.Server.DNS.MaxTTL != 5*time.Minute {
		t.Errorf("Server.DNS.MaxTTL = %v, default lost", cfg.Server.DNS.MaxTTL)
	}
	if len(cfg.Client.Forwards) != 1 || cfg.Client.Forwards[0].Target != "db.internal:22" {
		t.Errorf("Client.Forwards = %+v", cfg.Client.Forwards)
	}
	if !cfg.Health.Enabled {
		t.Error("Health.Enabled = false, want true")
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte("log:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Listen != Default().Server.Listen {
		t.Errorf("Server.Listen = %s, want default", cfg.Server.Listen)
	}
	if cfg.Client.Server != "" {
		t.Errorf("Client.Server = %s, want empty", cfg.Client.Server)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	if err == nil {
		t.Fatal("Parse() should fail for invalid YAML")
	}
	if !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "log:\n  level: verbose\n",
			wantErr: "invalid log.level",
		},
		{
			name:    "invalid log format",
			yaml:    "log:\n  format: xml\n",
			wantErr: "invalid log.format",
		},
		{
			name:    "listen without port",
			yaml:    "server:\n  listen: \"0.0.0.0\"\n",
			wantErr: "server.listen",
		},
		{
			name:    "cert without key",
			yaml:    "server:\n  tls:\n    cert: a.crt\n",
			wantErr: "cert and key must be set together",
		},
		{
			name:    "bad peer fingerprint",
			yaml:    "server:\n  allowed_peers: [\"sha256:abc\"]\n",
			wantErr: "server.allowed_peers[0]",
		},
		{
			name:    "negative max sessions",
			yaml:    "server:\n  max_sessions: -1\n",
			wantErr: "server.max_sessions",
		},
		{
			name:    "zero handshake timeout",
			yaml:    "server:\n  handshake_timeout: 0s\n",
			wantErr: "server.handshake_timeout",
		},
		{
			name:    "tiny buffer",
			yaml:    "server:\n  buffer_size: 512\n",
			wantErr: "server.buffer_size",
		},
		{
			name:    "bad route",
			yaml:    "server:\n  allowed_routes: [\"10.0.0.0/33\"]\n",
			wantErr: "server.allowed_routes[0]",
		},
		{
			name:    "bad dns server",
			yaml:    "server:\n  dns:\n    servers: [\"1.1.1.1\"]\n",
			wantErr: "server.dns.servers[0]",
		},
		{
			name:    "datagrams without udp",
			yaml:    "server:\n  udp:\n    enabled: false\n    datagrams: true\n",
			wantErr: "server.udp.datagrams requires",
		},
		{
			name:    "bad udp port",
			yaml:    "server:\n  udp:\n    allowed_ports: [\"70000\"]\n",
			wantErr: "server.udp.allowed_ports[0]",
		},
		{
			name:    "forwards without server",
			yaml:    "client:\n  forwards:\n    - listen: \"127.0.0.1:1\"\n      target: \"a:1\"\n",
			wantErr: "client.server is required",
		},
		{
			name:    "bad server fingerprint",
			yaml:    "client:\n  server: \"a:1\"\n  server_fingerprint: nope\n",
			wantErr: "client.server_fingerprint",
		},
		{
			name:    "forward without target port",
			yaml:    "client:\n  server: \"a:1\"\n  forwards:\n    - listen: \"127.0.0.1:1\"\n      target: \"db\"\n",
			wantErr: "client.forwards[0]: invalid target",
		},
		{
			name:    "health without port",
			yaml:    "health:\n  enabled: true\n  address: localhost\n",
			wantErr: "health.address",
		},
		{
			name:    "control socket too long",
			yaml:    "control:\n  socket: /" + strings.Repeat("s", 120) + "\n",
			wantErr: "control.socket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Server.MaxSessions = -1
	cfg.Server.UDP.MaxFlows = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"log.level", "server.max_sessions", "server.udp.max_flows"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("S2P_TEST_LISTEN", "127.0.0.1:7000")
	t.Setenv("S2P_TEST_LEVEL", "debug")

	yamlConfig := `
log:
  level: $S2P_TEST_LEVEL
server:
  listen: "${S2P_TEST_LISTEN}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:7000" {
		t.Errorf("Server.Listen = %s, want 127.0.0.1:7000", cfg.Server.Listen)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("S2P_TEST_UNSET")

	cfg, err := Parse([]byte(`server:
  listen: "${S2P_TEST_UNSET:-127.0.0.1:6000}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:6000" {
		t.Errorf("Server.Listen = %s, want 127.0.0.1:6000", cfg.Server.Listen)
	}
}

func TestExpandEnvVars_NotFound(t *testing.T) {
	os.Unsetenv("S2P_TEST_MISSING")

	got := expandEnvVars("a: ${S2P_TEST_MISSING}")
	if got != "a: ${S2P_TEST_MISSING}" {
		t.Errorf("expandEnvVars() = %q, want the reference kept", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/s2p.yaml"); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s2p.yaml")
	content := "server:\n  listen: \"127.0.0.1:4444\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:4444" {
		t.Errorf("Server.Listen = %s", cfg.Server.Listen)
	}
}

func TestByteSize_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{in: "4096", want: 4096},
		{in: "32KiB", want: 32 * 1024},
		{in: "1 MB", want: 1_000_000},
		{in: "2MiB", want: 2 << 20},
		{in: "lots", wantErr: true},
		{in: "[1, 2]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v struct {
				Size ByteSize `yaml:"size"`
			}
			err := yaml.Unmarshal([]byte("size: "+tt.in), &v)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Unmarshal(%q) succeeded with %d", tt.in, v.Size)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%q) error = %v", tt.in, err)
			}
			if v.Size != tt.want {
				t.Errorf("Unmarshal(%q) = %d, want %d", tt.in, v.Size, tt.want)
			}
		})
	}
}

func TestIsValidPortSpec(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"*", true},
		{"53", true},
		{"65535", true},
		{"0", false},
		{"65536", false},
		{"dns", false},
	}
	for _, tt := range tests {
		if got := isValidPortSpec(tt.in); got != tt.want {
			t.Errorf("isValidPortSpec(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Server.TLS.Cert = "/etc/s2p/server.crt"
	cfg.Server.TLS.Key = "/etc/s2p/server.key"
	cfg.Server.RateLimit = 1500

	r := cfg.Redacted()
	if r.Server.TLS.Key != redactedValue {
		t.Errorf("Server.TLS.Key = %s, want redacted", r.Server.TLS.Key)
	}
	if r.Server.TLS.Cert != cfg.Server.TLS.Cert {
		t.Errorf("Server.TLS.Cert = %s, want unchanged", r.Server.TLS.Cert)
	}
	if r.Server.RateLimit != 1500 {
		t.Errorf("Server.RateLimit = %d after copy, want 1500", r.Server.RateLimit)
	}
	if cfg.Server.TLS.Key != "/etc/s2p/server.key" {
		t.Error("Redacted() modified the original")
	}

	if s := cfg.String(); strings.Contains(s, "server.key") {
		t.Errorf("String() leaks the key path:\n%s", s)
	}
}
