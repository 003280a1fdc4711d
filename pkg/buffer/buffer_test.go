package buffer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	b := New()
	b.WriteString("hello, quarry")
	s, err := b.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello, quarry", s)
	assert.Equal(t, 0, b.Len())
}

func TestVarIntRoundTrip(t *testing.T) {
	b := New()
	b.WriteVarInt(-12345)
	v, err := b.ReadVarInt(32)
	require.NoError(t, err)
	assert.Equal(t, int32(-12345), v)
}

func TestSaveRestore(t *testing.T) {
	b := From([]byte{0x01, 0x02, 0x03})
	b.Save()
	_, err := b.Read(2)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	b.Restore()
	assert.Equal(t, 3, b.Len())
}

func TestDiscard(t *testing.T) {
	b := From([]byte{0x01, 0x02, 0x03, 0x04})
	_, _ = b.Read(2)
	b.Discard()
	assert.Equal(t, []byte{0x03, 0x04}, b.Bytes())
	assert.Equal(t, 2, b.Len())
}

func TestReadUnderrun(t *testing.T) {
	b := From([]byte{0x01})
	_, err := b.Read(5)
	assert.ErrorIs(t, err, ErrUnderrun)
}

func TestReadRestConsumesEverything(t *testing.T) {
	b := From([]byte{1, 2, 3})
	_, _ = b.Read(1)
	rest, err := b.ReadRest()
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, rest)
	assert.Equal(t, 0, b.Len())
}

func TestUUIDRoundTrip(t *testing.T) {
	u := uuid.New()
	b := New()
	b.WriteUUID(u)
	got, err := b.ReadUUID()
	require.NoError(t, err)
	assert.Equal(t, u, got)
}

func TestArrayRoundTripBothPrefixWidths(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	for _, lp := range []LengthPrefix{LengthPrefixU16, LengthPrefixVarInt} {
		b := New()
		require.NoError(t, b.WriteArray(lp, payload))
		got, err := b.ReadArray(lp)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestArrayRejectsOversizedLength(t *testing.T) {
	b := New()
	big := make([]byte, MaxArrayLen+1)
	err := b.WriteArray(LengthPrefixVarInt, big)
	assert.Error(t, err)
}

func TestU16AndU64RoundTrip(t *testing.T) {
	b := New()
	b.WriteU16(0xbeef)
	b.WriteU64(0x0123456789abcdef)
	v16, err := b.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), v16)
	v64, err := b.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789abcdef), v64)
}

func TestStringRejectsInvalidUTF8(t *testing.T) {
	b := New()
	b.WriteVarInt(1)
	b.Append([]byte{0xff})
	_, err := b.ReadString()
	assert.Error(t, err)
}
