package vecmath

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Precision selects how vectors are encoded at rest.
type Precision string

const (
	Float32 Precision = "float32"
	Float16 Precision = "float16"
)

// ParsePrecision validates a precision name. Empty input means float32.
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "", Float32:
		return Float32, nil
	case Float16:
		return Float16, nil
	default:
		return "", fmt.Errorf("unsupported precision %q", s)
	}
}

// BytesPerValue returns the encoded width of one element.
func (p Precision) BytesPerValue() int {
	if p == Float16 {
		return 2
	}
	return 4
}

// Encode serializes v little-endian in the given precision.
func Encode(v []float32, p Precision) []byte {
	out := make([]byte, len(v)*p.BytesPerValue())
	switch p {
	case Float16:
		for i, x := range v {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(x).Bits())
		}
	default:
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
		}
	}
	return out
}

// Decode is the inverse of Encode.
func Decode(b []byte, p Precision) ([]float32, error) {
	w := p.BytesPerValue()
	if len(b)%w != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of %d", len(b), w)
	}
	out := make([]float32, len(b)/w)
	switch p {
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
	default:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	}
	return out, nil
}
