package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrVarintTruncated is returned when a varint runs past the end of the buffer.
	ErrVarintTruncated = errors.New("varint truncated")
	// ErrVarintNegative is returned for the negative varint forms, which no
	// voice field uses.
	ErrVarintNegative = errors.New("negative varint not supported")
)

// AppendVarint appends v to dst using the prefix-coded varint layout:
//
//	0xxxxxxx                      7 bits
//	10xxxxxx + 1 byte            14 bits
//	110xxxxx + 2 bytes           21 bits
//	1110xxxx + 3 bytes           28 bits
//	111100__ + 4 bytes           32 bits
//	111101__ + 8 bytes           64 bits
func AppendVarint(dst []byte, v uint64) []byte {
	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v < 0x4000:
		return append(dst, byte(v>>8)|0x80, byte(v))
	case v < 0x200000:
		return append(dst, byte(v>>16)|0xC0, byte(v>>8), byte(v))
	case v < 0x10000000:
		return append(dst, byte(v>>24)|0xE0, byte(v>>16), byte(v>>8), byte(v))
	case v <= 0xFFFFFFFF:
		dst = append(dst, 0xF0)
		return binary.BigEndian.AppendUint32(dst, uint32(v))
	default:
		dst = append(dst, 0xF4)
		return binary.BigEndian.AppendUint64(dst, v)
	}
}

// ReadVarint decodes a varint from the start of data and returns the value
// together with the number of bytes consumed.
func ReadVarint(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrVarintTruncated
	}
	b := data[0]
	need := func(n int) error {
		if len(data) < n {
			return ErrVarintTruncated
		}
		return nil
	}

	switch {
	case b&0x80 == 0:
		return uint64(b), 1, nil
	case b&0xC0 == 0x80:
		if err := need(2); err != nil {
			return 0, 0, err
		}
		return uint64(b&0x3F)<<8 | uint64(data[1]), 2, nil
	case b&0xE0 == 0xC0:
		if err := need(3); err != nil {
			return 0, 0, err
		}
		return uint64(b&0x1F)<<16 | uint64(data[1])<<8 | uint64(data[2]), 3, nil
	case b&0xF0 == 0xE0:
		if err := need(4); err != nil {
			return 0, 0, err
		}
		return uint64(b&0x0F)<<24 | uint64(data[1])<<16 | uint64(data[2])<<8 | uint64(data[3]), 4, nil
	case b&0xFC == 0xF0:
		if err := need(5); err != nil {
			return 0, 0, err
		}
		return uint64(binary.BigEndian.Uint32(data[1:5])), 5, nil
	case b&0xFC == 0xF4:
		if err := need(9); err != nil {
			return 0, 0, err
		}
		return binary.BigEndian.Uint64(data[1:9]), 9, nil
	default:
		return 0, 0, ErrVarintNegative
	}
}
