package bpv7

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// BundleID is a bundle's logical identity, independent of storage name or
// byte encoding: the (source, creation timestamp) pair RFC 9171 uses to
// identify a bundle, extended with fragment coordinates so that distinct
// fragments of the same ADU compare unequal.
type BundleID struct {
	SourceNode      EndpointID
	Timestamp       CreationTimestamp
	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

// ID derives this Bundle's identity from its primary block.
func (b Bundle) ID() BundleID {
	id := BundleID{
		SourceNode: b.Primary.SourceNode,
		Timestamp:  b.Primary.CreationTimestamp,
	}
	if b.Primary.BundleControlFlags.Has(BundleIsFragment) {
		id.IsFragment = true
		id.FragmentOffset = b.Primary.FragmentOffset
		id.TotalDataLength = b.Primary.TotalDataLength
	}
	return id
}

// String renders a BundleID in a form stable enough to use as a map key's
// display form and in log fields.
func (id BundleID) String() string {
	if !id.IsFragment {
		return fmt.Sprintf("%s-%d-%d", id.SourceNode, id.Timestamp.Time, id.Timestamp.Sequence)
	}
	return fmt.Sprintf("%s-%d-%d[%d:%d]", id.SourceNode, id.Timestamp.Time, id.Timestamp.Sequence, id.FragmentOffset, id.TotalDataLength)
}

// Len returns the CBOR field count of this BundleID's wire form: 2 for a
// whole bundle (source, timestamp), 4 when fragmented (plus offset and
// total length), per RFC 9171's status report reference-bundle encoding.
func (id BundleID) Len() uint64 {
	if id.IsFragment {
		return 4
	}
	return 2
}

// MarshalCbor writes this BundleID's fields in series, without any
// enclosing array marker; callers size the enclosing array using Len.
func (id *BundleID) MarshalCbor(w io.Writer) error {
	if err := cboring.Marshal(&id.SourceNode, w); err != nil {
		return fmt.Errorf("bpv7: bundle id source node: %w", err)
	}
	if err := cboring.Marshal(&id.Timestamp, w); err != nil {
		return fmt.Errorf("bpv7: bundle id timestamp: %w", err)
	}
	if id.IsFragment {
		if err := cboring.WriteUInt(id.FragmentOffset, w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(id.TotalDataLength, w); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalCbor reads a BundleID's fields; IsFragment must be set
// beforehand so the reader knows whether to expect the fragment fields.
func (id *BundleID) UnmarshalCbor(r io.Reader) error {
	if err := cboring.Unmarshal(&id.SourceNode, r); err != nil {
		return fmt.Errorf("bpv7: bundle id source node: %w", err)
	}
	if err := cboring.Unmarshal(&id.Timestamp, r); err != nil {
		return fmt.Errorf("bpv7: bundle id timestamp: %w", err)
	}
	if id.IsFragment {
		offset, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		total, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		id.FragmentOffset, id.TotalDataLength = offset, total
	}
	return nil
}

// AduKey is the identity shared by every fragment of the same application
// data unit, used to key fragment-reassembly state (spec §4.7.3).
type AduKey struct {
	SourceNode      EndpointID
	Timestamp       CreationTimestamp
	TotalDataLength uint64
}

// AduKey derives the reassembly key for this BundleID. It is only
// meaningful when IsFragment is true.
func (id BundleID) AduKey() AduKey {
	return AduKey{SourceNode: id.SourceNode, Timestamp: id.Timestamp, TotalDataLength: id.TotalDataLength}
}

func (k AduKey) String() string {
	return fmt.Sprintf("%s-%d-%d/%d", k.SourceNode, k.Timestamp.Time, k.Timestamp.Sequence, k.TotalDataLength)
}
