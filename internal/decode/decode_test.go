package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/model"
)

func TestDecode_F32BE_WithScale(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeF32BE, Scale: 1, Offset: 0}
	// 235.5 as float32 big-endian split into two big-endian words.
	words := []uint16{0x436B, 0x8000}
	v, err := Decode(spec, words, nil)
	require.NoError(t, err)
	assert.InDelta(t, 235.5, v.Float, 0.001)
}

func TestDecode_F32LE_WordSwap(t *testing.T) {
	speBE := model.RegisterSpec{DType: model.DTypeF32BE, Scale: 1}
	speLE := model.RegisterSpec{DType: model.DTypeF32LE, Scale: 1}

	beWords := []uint16{0x436B, 0x8000}
	leWords := []uint16{0x8000, 0x436B} // word-swapped, not byte-swapped

	vBE, err := Decode(speBE, beWords, nil)
	require.NoError(t, err)
	vLE, err := Decode(speLE, leWords, nil)
	require.NoError(t, err)
	assert.InDelta(t, vBE.Float, vLE.Float, 0.001)
}

func TestDecode_U16_ScaleOffset(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeU16, Scale: 0.1, Offset: -10}
	v, err := Decode(spec, []uint16{1234}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 113.4, v.Float, 0.001)
}

func TestDecode_I16_Negative(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeI16}
	v, err := Decode(spec, []uint16{0xFFFF}, nil) // -1
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v.Int)
}

func TestDecode_Bool(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeBool}
	v, err := Decode(spec, nil, []bool{true})
	require.NoError(t, err)
	assert.True(t, v.Bool)
}

func TestDecode_WordCountMismatch(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeU32BE}
	_, err := Decode(spec, []uint16{1}, nil)
	require.Error(t, err)
}

func TestDecode_String_NulTrimmedAndNonASCIIReplaced(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeString}
	// "AB" + high-bit byte + NUL padding
	words := []uint16{0x4142, 0xFF00}
	v, err := Decode(spec, words, nil)
	require.NoError(t, err)
	assert.Equal(t, "AB?", v.String)
}

func TestDecode_U64BE(t *testing.T) {
	spec := model.RegisterSpec{DType: model.DTypeU64BE}
	v, err := Decode(spec, []uint16{0, 0, 0, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v.Uint)
}
