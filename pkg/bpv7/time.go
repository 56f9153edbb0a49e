package bpv7

import (
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
)

// dtnEpoch is 2000-01-01T00:00:00Z, the reference point for DTN time
// values, per RFC 9171 §4.2.6.
var dtnEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DtnTime is a DTN timestamp: milliseconds since dtnEpoch. A value of 0
// means "not set" and requires an accompanying Bundle Age extension block.
type DtnTime uint64

// DtnTimeNow returns the current time encoded as a DtnTime.
func DtnTimeNow() DtnTime {
	return DtnTime(uint64(time.Since(dtnEpoch).Milliseconds()))
}

// Time converts this DtnTime to a time.Time.
func (t DtnTime) Time() time.Time {
	return dtnEpoch.Add(time.Duration(t) * time.Millisecond)
}

func (t DtnTime) String() string {
	if t == 0 {
		return "0 (unset)"
	}
	return t.Time().UTC().Format(time.RFC3339)
}

// CreationTimestamp is the primary block's (dtn_time, sequence) pair,
// uniquely identifying a bundle together with its source EID.
type CreationTimestamp struct {
	Time     DtnTime
	Sequence uint64
}

// NewCreationTimestamp builds a timestamp for the current time with the
// given sequence number, used to disambiguate multiple bundles created
// within the same millisecond.
func NewCreationTimestamp(sequence uint64) CreationTimestamp {
	return CreationTimestamp{Time: DtnTimeNow(), Sequence: sequence}
}

// MarshalCbor writes this CreationTimestamp's CBOR representation.
func (c *CreationTimestamp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(c.Time), w); err != nil {
		return err
	}
	return cboring.WriteUInt(c.Sequence, w)
}

// UnmarshalCbor reads a CreationTimestamp's CBOR representation.
func (c *CreationTimestamp) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("bpv7: creation timestamp expects array of 2 elements, got %d", n)
	}
	t, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	seq, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	c.Time = DtnTime(t)
	c.Sequence = seq
	return nil
}
