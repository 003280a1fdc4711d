package varint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, 127, 128, 255, 2097151, 2147483647, -2147483648}
	for _, v := range cases {
		enc := Encode(nil, v)
		got, n, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}

func TestSizeMatchesEncodedLength(t *testing.T) {
	cases := []int32{0, 1, 127, 128, 16383, 16384, 2097151, 2147483647, -1}
	for _, v := range cases {
		assert.Equal(t, len(Encode(nil, v)), Size(v))
	}
}

func TestDecodeKnownVectors(t *testing.T) {
	// from the protocol's published VarInt examples.
	cases := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{2, []byte{0x02}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{2147483647, []byte{0xff, 0xff, 0xff, 0xff, 0x07}},
		{-1, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
		{-2147483648, []byte{0x80, 0x80, 0x80, 0x80, 0x08}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Encode(nil, c.v))
		got, n, err := Decode(c.want)
		require.NoError(t, err)
		assert.Equal(t, c.v, got)
		assert.Equal(t, len(c.want), n)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, _, err := Decode([]byte{0x80})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeTooBig(t *testing.T) {
	// five continuation bytes: the varint does not terminate within MaxLen.
	_, _, err := Decode([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	assert.ErrorIs(t, err, ErrTooBig)
}

func TestDecodeWidthExceeded(t *testing.T) {
	// 128 needs 8 bits; bounding to 7 must reject it.
	enc := Encode(nil, 128)
	_, _, err := DecodeWidth(enc, 7)
	assert.ErrorIs(t, err, ErrWidthExceeded)
}

func TestVarLongRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 9223372036854775807, -9223372036854775808}
	for _, v := range cases {
		enc := EncodeLong(nil, v)
		got, n, err := DecodeLong(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}
