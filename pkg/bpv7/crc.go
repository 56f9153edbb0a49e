package bpv7

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/howeyc/crc16"
)

// CRCType indicates which CRC algorithm a block carries, per RFC 9171
// §4.1.1.
type CRCType uint64

const (
	// CRCNo means the block carries no CRC value.
	CRCNo CRCType = 0
	// CRC16X25 is the CCITT/X.25 16-bit CRC.
	CRC16X25 CRCType = 1
	// CRC32C is the Castagnoli 32-bit CRC.
	CRC32C CRCType = 2
)

func (c CRCType) String() string {
	switch c {
	case CRCNo:
		return "none"
	case CRC16X25:
		return "CRC16-X25"
	case CRC32C:
		return "CRC32C"
	default:
		return "unknown"
	}
}

// length returns the encoded CRC value's byte length for this type.
func (c CRCType) length() int {
	switch c {
	case CRC16X25:
		return 2
	case CRC32C:
		return 4
	default:
		return 0
	}
}

var (
	crc16Table = crc16.MakeTable(crc16.CCITT)
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// calculateCRC computes a block's CRC under the given type. data is the
// block's encoding up to, but not including, its CRC field; the CRC field
// is appended as a byte string of the type's width filled with zeros
// before the checksum is taken, per the "encoded bytes with the CRC field
// zeroed" invariant.
func calculateCRC(crcType CRCType, data []byte) []byte {
	n := crcType.length()
	if n == 0 {
		return nil
	}
	zeroed := make([]byte, 0, len(data)+1+n)
	zeroed = append(zeroed, data...)
	zeroed = append(zeroed, 0x40|byte(n))
	zeroed = append(zeroed, make([]byte, n)...)

	switch crcType {
	case CRC16X25:
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, crc16.Checksum(zeroed, crc16Table))
		return out
	case CRC32C:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, crc32.Checksum(zeroed, crc32Table))
		return out
	default:
		return nil
	}
}
