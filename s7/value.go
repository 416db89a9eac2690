package s7

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value converts the data of a successful result to a Go value using
// the transport size of the request it answers. Multi-element reads
// return a slice. Data is big-endian, as S7 sends it.
func Value(ts TransportSize, data []byte) (interface{}, error) {
	size := ts.ElementSize()
	if size == 0 {
		return nil, fmt.Errorf("unknown transport size %d", int(ts))
	}
	if len(data) == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s elements", len(data), ts)
	}
	n := len(data) / size
	if n == 1 {
		return scalar(ts, data), nil
	}
	if ts == TransportChar {
		return string(data), nil
	}
	out := make([]interface{}, n)
	for i := range out {
		out[i] = scalar(ts, data[i*size:(i+1)*size])
	}
	return out, nil
}

func scalar(ts TransportSize, b []byte) interface{} {
	switch ts {
	case TransportBit:
		return b[0] != 0
	case TransportByte:
		return uint64(b[0])
	case TransportChar:
		return string(b[:1])
	case TransportWord, TransportCounter, TransportTimer:
		return uint64(binary.BigEndian.Uint16(b))
	case TransportInt:
		return int64(int16(binary.BigEndian.Uint16(b)))
	case TransportDWord:
		return uint64(binary.BigEndian.Uint32(b))
	case TransportDInt:
		return int64(int32(binary.BigEndian.Uint32(b)))
	case TransportReal:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	default:
		return b
	}
}
