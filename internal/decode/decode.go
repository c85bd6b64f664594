// Package decode converts raw register words read off the wire into
// typed sample values per a register's configured data type, applying
// scale and offset and handling the BE/LE word-swap distinction that
// Modbus multi-register types are prone to.
package decode

import (
	"encoding/binary"
	"math"
	"strings"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
)

// Decode interprets raw (already unpacked into uint16 words, or bools
// for bit areas) register data per spec and returns the typed value
// with scale*raw+offset applied for numeric types. It returns a
// DecodeError only when the word count does not match what the data
// type requires.
func Decode(spec model.RegisterSpec, words []uint16, bits []bool) (model.Value, error) {
	dtype := spec.DType

	if dtype == model.DTypeBool {
		if len(bits) != 1 {
			return model.Value{}, errs.New(model.ErrDecodeError, "bool type requires exactly 1 bit")
		}
		return model.Value{Kind: dtype, Bool: bits[0]}, nil
	}

	if dtype == model.DTypeString {
		return decodeString(words), nil
	}

	want := dtype.WordCount()
	if len(words) != want {
		return model.Value{}, errs.New(model.ErrDecodeError, "word count mismatch for data type")
	}

	switch dtype {
	case model.DTypeU16:
		return scaledUint(dtype, uint64(words[0]), spec), nil
	case model.DTypeI16:
		return scaledInt(dtype, int64(int16(words[0])), spec), nil
	case model.DTypeU32BE:
		return scaledUint(dtype, uint64(joinWords32(words[0], words[1])), spec), nil
	case model.DTypeU32LE:
		return scaledUint(dtype, uint64(joinWords32(words[1], words[0])), spec), nil
	case model.DTypeI32BE:
		return scaledInt(dtype, int64(int32(joinWords32(words[0], words[1]))), spec), nil
	case model.DTypeI32LE:
		return scaledInt(dtype, int64(int32(joinWords32(words[1], words[0]))), spec), nil
	case model.DTypeF32BE:
		bits := joinWords32(words[0], words[1])
		return scaledFloat(dtype, float64(math.Float32frombits(bits)), spec), nil
	case model.DTypeF32LE:
		bits := joinWords32(words[1], words[0])
		return scaledFloat(dtype, float64(math.Float32frombits(bits)), spec), nil
	case model.DTypeU64BE:
		return scaledUint(dtype, joinWords64(words[0], words[1], words[2], words[3]), spec), nil
	case model.DTypeU64LE:
		return scaledUint(dtype, joinWords64(words[3], words[2], words[1], words[0]), spec), nil
	case model.DTypeF64BE:
		bits := joinWords64(words[0], words[1], words[2], words[3])
		return scaledFloat(dtype, math.Float64frombits(bits), spec), nil
	case model.DTypeF64LE:
		bits := joinWords64(words[3], words[2], words[1], words[0])
		return scaledFloat(dtype, math.Float64frombits(bits), spec), nil
	}

	return model.Value{}, errs.New(model.ErrDecodeError, "unhandled data type")
}

// joinWords32 combines two big-endian-ordered u16 words into a u32,
// matching the byte layout each register holds on the wire.
func joinWords32(hi, lo uint16) uint32 {
	return uint32(hi)<<16 | uint32(lo)
}

func joinWords64(w0, w1, w2, w3 uint16) uint64 {
	return uint64(w0)<<48 | uint64(w1)<<32 | uint64(w2)<<16 | uint64(w3)
}

// scaledUint, scaledInt, and scaledFloat apply spec.Scale/spec.Offset
// as configured. Config validation resolves Scale to 1.0 when the
// register's YAML omits it, so an explicit "scale: 0" is honored here
// rather than re-guessed at decode time.
func scaledUint(dtype model.DataType, raw uint64, spec model.RegisterSpec) model.Value {
	v := model.Value{Kind: dtype, Uint: raw}
	v.Float = float64(raw)*spec.Scale + spec.Offset
	return v
}

func scaledInt(dtype model.DataType, raw int64, spec model.RegisterSpec) model.Value {
	v := model.Value{Kind: dtype, Int: raw}
	v.Float = float64(raw)*spec.Scale + spec.Offset
	return v
}

func scaledFloat(dtype model.DataType, raw float64, spec model.RegisterSpec) model.Value {
	return model.Value{Kind: dtype, Float: raw*spec.Scale + spec.Offset}
}

// decodeString renders packed register words as an ASCII string,
// trimming trailing NULs and replacing non-ASCII bytes with '?' rather
// than failing decode.
func decodeString(words []uint16) model.Value {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[2*i:2*i+2], w)
	}

	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}

	var sb strings.Builder
	for _, b := range buf[:end] {
		if b < 0x20 || b > 0x7E {
			sb.WriteByte('?')
			continue
		}
		sb.WriteByte(b)
	}
	return model.Value{Kind: model.DTypeString, String: sb.String()}
}
