package tcp

import (
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ISSGenerator generates initial sequence numbers as described by RFC 6528:
//
//	ISN = M + F(localip, localport, remoteip, remoteport, secretkey)
//
// where M is a timer that increments every 4 microseconds and F is a keyed
// BLAKE2b hash of the connection identifier. Successive connections on the same
// 4-tuple therefore receive increasing ISNs while ISNs of different 4-tuples are
// unpredictable to an off-path attacker.
type ISSGenerator struct {
	secret [32]byte
}

// ISSConfig contains configuration for ISS generator initialization.
type ISSConfig struct {
	// Rand is used to generate the secret key of F. Typically crypto/rand.Reader.
	Rand io.Reader
}

var errNilRand = errors.New("nil Rand in ISSConfig")

// Reset initializes or reinitializes the generator's secret.
func (g *ISSGenerator) Reset(cfg ISSConfig) error {
	if cfg.Rand == nil {
		return errNilRand
	}
	_, err := io.ReadFull(cfg.Rand, g.secret[:])
	return err
}

// ISS returns the initial send sequence number for a connection between local
// and remote at time now.
func (g *ISSGenerator) ISS(local, remote netip.AddrPort, now time.Time) Value {
	return clockISN(now) + g.f(local, remote)
}

func (g *ISSGenerator) f(local, remote netip.AddrPort) Value {
	h, err := blake2b.New256(g.secret[:])
	if err != nil {
		panic(err) // Only fails for keys longer than 64 bytes.
	}
	var buf [2*16 + 2*2]byte
	l16 := local.Addr().As16()
	r16 := remote.Addr().As16()
	copy(buf[0:16], l16[:])
	copy(buf[16:32], r16[:])
	binary.BigEndian.PutUint16(buf[32:34], local.Port())
	binary.BigEndian.PutUint16(buf[34:36], remote.Port())
	h.Write(buf[:])
	var sum [blake2b.Size256]byte
	return Value(binary.BigEndian.Uint32(h.Sum(sum[:0])))
}
