package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soypat/tuntcp"
	"github.com/soypat/tuntcp/internal"
)

const testFile = `
interface: tcp0
address: 10.0.0.1/24
loglevel: trace
stack:
  mss: 1200
  msl: 2s
  rtomin: 300ms
  listen: [80, 443]
  maxconns: 16
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(testFile))
	if err != nil {
		t.Fatal(err)
	}
	if f.Interface != "tcp0" || f.Transport != TransportTun {
		t.Errorf("interface %q transport %q", f.Interface, f.Transport)
	}
	p, err := f.Prefix()
	if err != nil || p.String() != "10.0.0.1/24" {
		t.Errorf("prefix %s, %v", p, err)
	}
	lvl, err := f.Level()
	if err != nil || lvl != internal.LevelTrace {
		t.Errorf("level %v, %v", lvl, err)
	}
	cfg := f.StackConfig(slog.Default())
	if cfg.MSS != 1200 || cfg.MSL != 2*time.Second || cfg.RTOMin != 300*time.Millisecond || cfg.MaxConnections != 16 {
		t.Errorf("unexpected stack config %+v", cfg)
	}
	if len(cfg.ListenPorts) != 2 || cfg.ListenPorts[1] != 443 {
		t.Errorf("listen ports %v", cfg.ListenPorts)
	}
	if cfg.Logger == nil {
		t.Error("logger not set")
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "transport", doc: "transport: udp"},
		{name: "ipv6 address", doc: "address: fd00::1/64"},
		{name: "bad address", doc: "address: 10.0.0.1"},
		{name: "log level", doc: "loglevel: loud"},
		{name: "empty interface", doc: "interface: \"\""},
		{name: "rto bounds", doc: "stack:\n  rtomin: 2s\n  rtomax: 1s"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if !errors.Is(err, tuntcp.ErrInvalidConfig) {
				t.Errorf("expected invalid configuration error, got %v", err)
			}
		})
	}
	if _, err := Parse([]byte("stack: [")); err == nil {
		t.Error("expected yaml error")
	}
}

func TestRawTransportWithoutInterface(t *testing.T) {
	f, err := Parse([]byte("transport: raw\ninterface: \"\"\naddress: \"\""))
	if err != nil {
		t.Fatal(err)
	}
	if p, _ := f.Prefix(); p.IsValid() {
		t.Errorf("expected no prefix, got %s", p)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuntcp.yaml")
	if err := os.WriteFile(path, []byte(testFile), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Stack.MSS != 1200 {
		t.Errorf("mss %d", f.Stack.MSS)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestDefaultValid(t *testing.T) {
	f := Default()
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
}
