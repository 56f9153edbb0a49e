package bpv7

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

func init() {
	registerExtensionBlock(ExtBlockTypeHopCount, func(data []byte) (ExtensionBlockData, error) {
		hc := new(HopCount)
		if err := cboring.Unmarshal(hc, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return hc, nil
	})
	registerExtensionBlock(ExtBlockTypePreviousNode, func(data []byte) (ExtensionBlockData, error) {
		pn := new(PreviousNode)
		if err := cboring.Unmarshal(pn, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return pn, nil
	})
	registerExtensionBlock(ExtBlockTypeBundleAge, func(data []byte) (ExtensionBlockData, error) {
		var age BundleAge
		r := bytes.NewReader(data)
		v, err := cboring.ReadUInt(r)
		if err != nil {
			return nil, err
		}
		age = BundleAge(v)
		return age, nil
	})
}

// HopCount implements the Hop Count extension block (block type 10):
// dispatcher's hop-limit check compares Count against Limit on ingress and
// increments it on every forward.
type HopCount struct {
	Limit uint8
	Count uint8
}

// NewHopCountBlock wraps a HopCount as a canonical block with the given
// limit and an initial count of zero.
func NewHopCountBlock(limit uint8) CanonicalBlock {
	hc := &HopCount{Limit: limit}
	data, _ := hc.MarshalBinary()
	return CanonicalBlock{BlockType: ExtBlockTypeHopCount, CRCType: CRC32C, Data: data, Typed: hc}
}

// Exceeded reports whether Count has reached or passed Limit.
func (hc *HopCount) Exceeded() bool { return hc.Count >= hc.Limit }

// MarshalBinary renders this block's CBOR content.
func (hc *HopCount) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := cboring.WriteArrayLength(2, buf); err != nil {
		return nil, err
	}
	if err := cboring.WriteUInt(uint64(hc.Limit), buf); err != nil {
		return nil, err
	}
	if err := cboring.WriteUInt(uint64(hc.Count), buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCbor implements cboring.CborMarshaler.
func (hc *HopCount) MarshalCbor(w io.Writer) error {
	data, err := hc.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (hc *HopCount) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("%w: hop count block expects array of 2, got %d", ErrBlockUnintelligible, n)
	}
	limit, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	count, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if limit > 255 || count > 255 {
		return fmt.Errorf("%w: hop count fields must fit in a byte", ErrBlockUnintelligible)
	}
	hc.Limit, hc.Count = uint8(limit), uint8(count)
	return nil
}

// PreviousNode implements the Previous Node extension block (block type
// 6): the EID of the node that forwarded this bundle most recently.
type PreviousNode struct {
	Node EndpointID
}

// NewPreviousNodeBlock wraps node as a canonical block.
func NewPreviousNodeBlock(node EndpointID) CanonicalBlock {
	pn := &PreviousNode{Node: node}
	data, _ := pn.MarshalBinary()
	return CanonicalBlock{BlockType: ExtBlockTypePreviousNode, CRCType: CRC32C, Data: data, Typed: pn}
}

// MarshalBinary renders this block's CBOR content.
func (pn *PreviousNode) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := pn.Node.MarshalCbor(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCbor implements cboring.CborMarshaler.
func (pn *PreviousNode) MarshalCbor(w io.Writer) error {
	return pn.Node.MarshalCbor(w)
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (pn *PreviousNode) UnmarshalCbor(r io.Reader) error {
	return pn.Node.UnmarshalCbor(r)
}

// BundleAge implements the Bundle Age extension block (block type 7):
// microseconds elapsed since creation, required whenever the primary
// block's creation time is zero (spec §3.2's invariant).
type BundleAge uint64

// MarshalBinary renders this block's CBOR content.
func (a BundleAge) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := cboring.WriteUInt(uint64(a), buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewBundleAgeBlock wraps age (microseconds) as a canonical block.
func NewBundleAgeBlock(age uint64) CanonicalBlock {
	a := BundleAge(age)
	data, _ := a.MarshalBinary()
	return CanonicalBlock{BlockType: ExtBlockTypeBundleAge, CRCType: CRC32C, Data: data, Typed: a}
}
