// Package codec implements the frame pipeline: converting
// raw socket bytes to/from packet bodies while honouring the connection's
// current encryption and compression state.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
)

// newCFB8 builds a cipher.Stream implementing AES-CFB8, the Minecraft
// variant where the shared secret doubles as both the AES key and the
// CFB IV. Implemented directly on crypto/cipher.Block since crypto/cipher's
// own CFB helpers only provide full-block feedback, not the 8-bit variant
// vanilla Minecraft uses.
func newCFB8(secret []byte, decrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return &cfb8{
		block: block,
		blockSize: block.BlockSize(),
		iv:        append([]byte(nil), secret...),
		tmp:       make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}, nil
}

// cfb8 implements the 8-bit-feedback variant of CFB mode that vanilla
// Minecraft uses and crypto/cipher.NewCFBDecrypter/Encrypter does not
// provide (those are full-block feedback).
type cfb8 struct {
	block cipher.Block
	blockSize int
	iv []byte
	tmp []byte
	decrypt bool
}

func (c *cfb8) XORKeyStream(dst, src []byte) {
	for i := range src {
		copy(c.tmp, c.iv)
		c.block.Encrypt(c.iv, c.iv)
		keystreamByte := c.iv[0]

		out := src[i] ^ keystreamByte
		dst[i] = out

		copy(c.iv, c.tmp[1:])
		if c.decrypt {
			c.iv[c.blockSize-1] = src[i]
		} else {
			c.iv[c.blockSize-1] = out
		}
	}
}

// Cipher holds the per-direction AES-CFB8 stream state for one connection
// side. A zero-value Cipher is disabled (identity transform).
type Cipher struct {
	enabled bool
	encrypt cipher.Stream
	decrypt cipher.Stream
}

// Enable derives both directions' streams from the shared secret; both
// sides thereafter use it as both the AES key and the CFB8 IV.
func (c *Cipher) Enable(secret []byte) error {
	enc, err := newCFB8(secret, false)
	if err != nil {
		return err
	}
	dec, err := newCFB8(secret, true)
	if err != nil {
		return err
	}
	c.encrypt, c.decrypt, c.enabled = enc, dec, true
	return nil
}

// Enabled reports whether encryption has been turned on for this side.
func (c *Cipher) Enabled() bool { return c.enabled }

// DecryptInbound transforms a freshly-read chunk before it is appended to
// the inbound cursor buffer. Identity when disabled.
func (c *Cipher) DecryptInbound(p []byte) []byte {
	if !c.enabled {
		return p
	}
	out := make([]byte, len(p))
	c.decrypt.XORKeyStream(out, p)
	return out
}

// EncryptOutbound transforms a fully-framed outbound packet before it is
// written to the socket. Identity when disabled.
func (c *Cipher) EncryptOutbound(p []byte) []byte {
	if !c.enabled {
		return p
	}
	out := make([]byte, len(p))
	c.encrypt.XORKeyStream(out, p)
	return out
}
