package stack

import (
	"log/slog"
	"time"

	"github.com/soypat/tuntcp/tcp"
)

// Config configures a [Stack]. The zero value is valid and uses the defaults
// documented on each field.
type Config struct {
	// RecvBufferSize is the size of each connection's receive buffer, which
	// bounds the advertised window. Defaults to 64KiB and is capped at 65535
	// for window purposes since window scaling is not negotiated.
	RecvBufferSize int
	// SendBufferSize is the size of each connection's unsent data buffer. Defaults to 64KiB.
	SendBufferSize int
	// MSS is the maximum segment size announced to peers. Defaults to 1460
	// and is clamped to what the transport MTU allows.
	MSS uint16
	// TTL of outgoing datagrams. Defaults to 64.
	TTL uint8
	// MSL is the maximum segment lifetime. TIME-WAIT lasts 2*MSL. Defaults to 30s.
	MSL time.Duration
	// Retransmission timeout bounds. Default to 1s, 200ms and 60s.
	InitialRTO time.Duration
	RTOMin     time.Duration
	RTOMax     time.Duration
	// MaxRetries is the amount of retransmissions of a segment after which
	// the connection is aborted. Defaults to 8.
	MaxRetries int
	// MaxConnections limits the connection table size. Defaults to 1024.
	MaxConnections int
	// Backlog is the amount of established connections waiting on Accept. Defaults to 64.
	Backlog int
	// ListenPorts restricts the local ports which accept connections.
	// All ports are accepted when empty.
	ListenPorts []uint16
	// ChecksumOff disables checksum verification of received segments and
	// computation of the TCP checksum of sent segments.
	ChecksumOff bool
	// Now returns the current time. Defaults to time.Now. Tests set a manual clock.
	Now func() time.Time
	// Logger receives the stack's logs. Nil disables logging.
	Logger *slog.Logger
}

const (
	defaultBufferSize = 64 << 10
	defaultMSS        = 1460
	defaultTTL        = 64
	defaultMSL        = 30 * time.Second
	defaultMaxRetries = 8
	defaultMaxConns   = 1024
	defaultBacklog    = 64
	sizeHeadersIPTCP  = 40
)

func (cfg Config) withDefaults(mtu int) Config {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = defaultBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultBufferSize
	}
	if cfg.MSS == 0 {
		cfg.MSS = defaultMSS
	}
	if mtu > sizeHeadersIPTCP && int(cfg.MSS) > mtu-sizeHeadersIPTCP {
		cfg.MSS = uint16(mtu - sizeHeadersIPTCP)
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MSL <= 0 {
		cfg.MSL = defaultMSL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConns
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func (cfg *Config) rtoConfig() tcp.RTOConfig {
	return tcp.RTOConfig{Initial: cfg.InitialRTO, Min: cfg.RTOMin, Max: cfg.RTOMax}
}

func (cfg *Config) listening(port uint16) bool {
	if len(cfg.ListenPorts) == 0 {
		return true
	}
	for _, p := range cfg.ListenPorts {
		if p == port {
			return true
		}
	}
	return false
}
