package tuntcp

import (
	"errors"
	"fmt"
)

// ValidateFlags modify the behavior of a [Validator].
type ValidateFlags uint64

const (
	// ValidateAllowMultiErrors accumulates every error instead of only the first.
	ValidateAllowMultiErrors ValidateFlags = 1 << iota
	// ValidateSkipChecksum skips checksum verification.
	ValidateSkipChecksum
)

// Has returns true if all bits of v are set in vf.
func (vf ValidateFlags) Has(v ValidateFlags) bool {
	return vf&v == v
}

// Validator accumulates errors found while validating a datagram's headers.
// The zero value is ready for use and keeps only the first error.
type Validator struct {
	accum        []error
	accumBytePos []BytePosErr
	flags        ValidateFlags
}

// SetFlags sets the validator's flags.
func (v *Validator) SetFlags(flags ValidateFlags) { v.flags = flags }

// Flags returns the validator's flags.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// ResetErr clears accumulated errors. Flags are kept.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.accumBytePos = v.accumBytePos[:0]
}

// HasError returns true if at least one error was accumulated.
func (v *Validator) HasError() bool {
	return len(v.accum) != 0
}

// Err returns the accumulated errors joined or nil if there are none.
func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// AddError adds err to the validator.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	} else if len(v.accum) != 0 && !v.flags.Has(ValidateAllowMultiErrors) {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBytePosErr adds an error located at a field of the validated buffer.
func (v *Validator) AddBytePosErr(start, length int, err error) {
	if err == nil {
		panic("err argument to AddBytePosErr cannot be nil")
	} else if len(v.accum) != 0 && !v.flags.Has(ValidateAllowMultiErrors) {
		return
	}
	v.accumBytePos = append(v.accumBytePos, BytePosErr{Start: start, Len: length, Err: err})
	v.accum = append(v.accum, &v.accumBytePos[len(v.accumBytePos)-1])
}

// BytePosErr is an error located at a field of a buffer.
type BytePosErr struct {
	Start int
	Len   int
	Err   error
}

func (bpe *BytePosErr) Error() string {
	return fmt.Sprintf("%s at bytes %d..%d", bpe.Err.Error(), bpe.Start, bpe.Start+bpe.Len)
}

func (bpe *BytePosErr) Unwrap() error { return bpe.Err }
