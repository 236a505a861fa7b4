// Package config reads the YAML file describing the interface a [stack.Stack]
// is served on and the stack's tunables.
//
// Example file:
//
//	interface: tun0
//	address: 192.168.0.1/24
//	transport: tun
//	loglevel: info
//	stack:
//	  mss: 1460
//	  listen: [80, 8080]
//	  msl: 30s
package config

import (
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/tuntcp"
	"github.com/soypat/tuntcp/internal"
	"github.com/soypat/tuntcp/stack"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportTun = "tun"
	TransportRaw = "raw"
)

// File is the root of the configuration file.
type File struct {
	// Interface is the name of the TUN device to create or attach to.
	Interface string `yaml:"interface"`
	// Address is assigned to the interface. The stack answers for any
	// destination routed through it.
	Address string `yaml:"address"`
	// Transport is either "tun" or "raw".
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"loglevel"`
	Stack     Stack  `yaml:"stack"`
}

// Stack mirrors the tunables of [stack.Config]. Zero values select the stack's defaults.
type Stack struct {
	RecvBuffer     int           `yaml:"recvbuffer"`
	SendBuffer     int           `yaml:"sendbuffer"`
	MSS            uint16        `yaml:"mss"`
	TTL            uint8         `yaml:"ttl"`
	MSL            time.Duration `yaml:"msl"`
	InitialRTO     time.Duration `yaml:"initialrto"`
	RTOMin         time.Duration `yaml:"rtomin"`
	RTOMax         time.Duration `yaml:"rtomax"`
	MaxRetries     int           `yaml:"maxretries"`
	MaxConnections int           `yaml:"maxconns"`
	Backlog        int           `yaml:"backlog"`
	Listen         []uint16      `yaml:"listen"`
	ChecksumOff    bool          `yaml:"checksumoff"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Interface: "tun0",
		Address:   "192.168.0.1/24",
		Transport: TransportTun,
		LogLevel:  "info",
	}
}

// Load reads and validates the file at path. Fields absent from the file keep
// the values of [Default].
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "config: reading file")
	}
	f, err := Parse(b)
	if err != nil {
		return File{}, errors.Wrapf(err, "config: %s", path)
	}
	return f, nil
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (File, error) {
	f := Default()
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, errors.Wrap(err, "decoding yaml")
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks field values without opening any device.
func (f *File) Validate() error {
	switch f.Transport {
	case TransportTun:
		if f.Interface == "" {
			return errors.Wrap(tuntcp.ErrInvalidConfig, "tun transport requires an interface name")
		}
	case TransportRaw:
	default:
		return errors.Wrapf(tuntcp.ErrInvalidConfig, "unknown transport %q", f.Transport)
	}
	if f.Address != "" {
		if _, err := f.Prefix(); err != nil {
			return err
		}
	}
	if _, err := f.Level(); err != nil {
		return err
	}
	if f.Stack.RTOMin > 0 && f.Stack.RTOMax > 0 && f.Stack.RTOMin > f.Stack.RTOMax {
		return errors.Wrap(tuntcp.ErrInvalidConfig, "rtomin greater than rtomax")
	}
	return nil
}

// Prefix returns the parsed interface address. An empty Address returns the
// zero (invalid) prefix.
func (f *File) Prefix() (netip.Prefix, error) {
	if f.Address == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(f.Address)
	if err != nil {
		return p, errors.Wrapf(tuntcp.ErrInvalidConfig, "address: %v", err)
	} else if !p.Addr().Is4() {
		return p, errors.Wrapf(tuntcp.ErrInvalidConfig, "address %s is not IPv4", p)
	}
	return p, nil
}

// Level returns the configured log level. "trace" enables per-segment logs.
func (f *File) Level() (slog.Level, error) {
	if f.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	lvl, err := internal.ParseLevel(f.LogLevel)
	if err != nil {
		return lvl, errors.Wrapf(tuntcp.ErrInvalidConfig, "loglevel: %v", err)
	}
	return lvl, nil
}

// StackConfig converts the stack section into a [stack.Config] logging to logger.
func (f *File) StackConfig(logger *slog.Logger) stack.Config {
	s := f.Stack
	return stack.Config{
		RecvBufferSize: s.RecvBuffer,
		SendBufferSize: s.SendBuffer,
		MSS:            s.MSS,
		TTL:            s.TTL,
		MSL:            s.MSL,
		InitialRTO:     s.InitialRTO,
		RTOMin:         s.RTOMin,
		RTOMax:         s.RTOMax,
		MaxRetries:     s.MaxRetries,
		MaxConnections: s.MaxConnections,
		Backlog:        s.Backlog,
		ListenPorts:    s.Listen,
		ChecksumOff:    s.ChecksumOff,
		Logger:         logger,
	}
}
