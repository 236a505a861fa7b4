package tuntcp

import "strconv"

type errGeneric uint8

// Generic errors common to internet functioning.
const (
	_               errGeneric = iota // non-initialized err
	ErrPacketDrop                     // packet dropped
	ErrBadCRC                         // incorrect checksum
	ErrShortBuffer                    // short buffer
	ErrUnsupported                    // unsupported
	ErrInvalidConfig                  // invalid configuration
)

func (err errGeneric) Error() string {
	switch err {
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrShortBuffer:
		return "short buffer"
	case ErrUnsupported:
		return "unsupported"
	case ErrInvalidConfig:
		return "invalid configuration"
	}
	return "errGeneric(" + strconv.Itoa(int(err)) + ")"
}

// DropError wraps the reason a datagram was discarded. It matches [ErrPacketDrop]
// when used with errors.Is.
type DropError struct {
	Reason error
}

func (e *DropError) Error() string { return "packet dropped: " + e.Reason.Error() }

func (e *DropError) Unwrap() error { return e.Reason }

func (e *DropError) Is(target error) bool { return target == ErrPacketDrop }
