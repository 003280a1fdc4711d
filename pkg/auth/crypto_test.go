package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionDigestKnownVectors checks against the published test vectors
// for Minecraft's server-id hashing scheme (notchian hex digest of
// sha1(serverID + sharedSecret + publicKeyDER), two's-complement when the
// sign bit is set).
func TestSessionDigestKnownVectors(t *testing.T) {
	cases := []struct {
		serverID string
		secret   string
		key      string
		want     string
	}{
		{"Notch", "", "", "4ed1f46bbe04bc756bcb17c0c7ce3e4632f06a48"},
		{"jeb_", "", "", "-7c9d5b0044c130109a5d7b5fb5c317c02b4e28c1"},
		{"simon", "", "", "88e16a1019277b15d58faf0541e11910eb756f6"},
	}
	for _, c := range cases {
		got := SessionDigest(c.serverID, []byte(c.secret), []byte(c.key))
		assert.Equal(t, c.want, got, "serverID=%q", c.serverID)
	}
}

func TestOfflineUUIDIsDeterministicAndVersioned(t *testing.T) {
	u1 := OfflineUUID("Notch")
	u2 := OfflineUUID("Notch")
	assert.Equal(t, u1, u2)
	assert.Equal(t, uuid.Version(3), u1.Version())
	assert.NotEqual(t, OfflineUUID("jeb_"), u1)
}

func TestGenerateKeyPairProducesUsableDER(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEmpty(t, kp.DER)
	pub, err := ParsePublicKeyDER(kp.DER)
	require.NoError(t, err)
	assert.Equal(t, kp.Public.N, pub.N)
}

func TestEncryptDecryptPKCS1v15RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	plaintext := []byte("shared secret bytes")
	ct, err := EncryptPKCS1v15(kp.Public, plaintext)
	require.NoError(t, err)
	pt, err := DecryptPKCS1v15(kp.Private, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestNewServerIDAndTokensAreRandomAndCorrectLength(t *testing.T) {
	id1, err := NewServerID()
	require.NoError(t, err)
	id2, err := NewServerID()
	require.NoError(t, err)
	assert.Len(t, id1, 20) // 10 bytes hex-encoded
	assert.NotEqual(t, id1, id2)

	token, err := NewVerifyToken()
	require.NoError(t, err)
	assert.Len(t, token, 4)

	secret, err := NewSharedSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 16)
}
