package decode

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeDense is the inverse of DenseValues.
func EncodeDense(values []float32, dtype string) (string, error) {
	switch dtype {
	case "float16":
		buf := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[i*2:], Float32ToHalf(v))
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	case "", "float32":
		buf := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	}
	return "", fmt.Errorf("unsupported dtype %q", dtype)
}

// Float32ToHalf narrows v to binary16, rounding to nearest even. Values
// outside the half range become infinities.
func Float32ToHalf(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23) & 0xff
	frac := bits & 0x7fffff

	switch {
	case exp == 0xff:
		if frac != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp-127 > 15:
		return sign | 0x7c00
	case exp-127 < -25:
		return sign
	case exp-127 < -14:
		// subnormal half
		frac |= 0x800000
		shift := uint32(-14 - (exp - 127) + 13)
		half := frac >> shift
		rem := frac & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || (rem == mid && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}

	h := uint32(exp-127+15)<<10 | frac>>13
	rem := frac & 0x1fff
	if rem > 0x1000 || (rem == 0x1000 && h&1 == 1) {
		h++ // may carry into the exponent, which is the correct rounding
	}
	return sign | uint16(h)
}
