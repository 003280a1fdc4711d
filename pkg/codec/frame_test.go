package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.quarry.dev/quarry/pkg/buffer"
	"go.quarry.dev/quarry/pkg/proto"
)

func TestFrameRoundTripUncompressed(t *testing.T) {
	p := NewPipeline()
	body := EncodePacketBody(0x01, []byte("hello"))
	framed, err := p.EncodeFrame(body)
	require.NoError(t, err)

	accum := buffer.New()
	accum.Append(framed)
	got, ok, err := p.TryReadFrame(accum, proto.Play)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestFrameRoundTripCompressedBelowThreshold(t *testing.T) {
	p := NewPipeline()
	p.Compression.Enable(64, 0)
	body := EncodePacketBody(0x01, []byte("short"))
	framed, err := p.EncodeFrame(body)
	require.NoError(t, err)

	accum := buffer.New()
	accum.Append(framed)
	got, ok, err := p.TryReadFrame(accum, proto.Play)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestFrameRoundTripCompressedAboveThreshold(t *testing.T) {
	p := NewPipeline()
	p.Compression.Enable(4, 0)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	body := EncodePacketBody(0x02, payload)
	framed, err := p.EncodeFrame(body)
	require.NoError(t, err)

	accum := buffer.New()
	accum.Append(framed)
	got, ok, err := p.TryReadFrame(accum, proto.Play)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestTryReadFrameUnderrunRestoresCursor(t *testing.T) {
	p := NewPipeline()
	accum := buffer.New()
	accum.Append([]byte{0x05}) // claims 5 bytes follow; none do
	_, ok, err := p.TryReadFrame(accum, proto.Play)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, accum.Len(), "cursor must be restored on underrun")
}

func TestEncryptedRoundTrip(t *testing.T) {
	secret := make([]byte, 16)
	for i := range secret {
		secret[i] = byte(i)
	}

	sender := NewPipeline()
	require.NoError(t, sender.Cipher.Enable(secret))
	receiver := NewPipeline()
	require.NoError(t, receiver.Cipher.Enable(secret))

	body := EncodePacketBody(0x10, []byte("secret payload"))
	framed, err := sender.EncodeFrame(body)
	require.NoError(t, err)
	encrypted := sender.Cipher.EncryptOutbound(framed)

	accum := buffer.New()
	receiver.FeedChunk(accum, encrypted)
	got, ok, err := receiver.TryReadFrame(accum, proto.Play)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body, got)
}

func TestCompressionEnableIsOneShot(t *testing.T) {
	c := NewCompression()
	assert.False(t, c.Enabled())
	c.Enable(256, 0)
	assert.True(t, c.Enabled())
	assert.Equal(t, 256, c.Threshold())
	c.SetThreshold(512)
	assert.True(t, c.Enabled(), "enabled bit must not reset when the threshold changes")
	assert.Equal(t, 512, c.Threshold())
}
