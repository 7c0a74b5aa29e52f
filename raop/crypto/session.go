// Package crypto implements the HAP encrypted record layer used once a
// session has completed Pair-Verify: ChaCha20-Poly1305 frames of at most
// 1024 bytes of plaintext, length-prefixed and authenticated with the
// length as additional data.
package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// FrameLength is the maximum plaintext size of a single record, as
// mandated by the HAP specification section 5.2.2.
const FrameLength = 1024

// AuthTagLength is the size of the Poly1305 authentication tag appended
// to every record.
const AuthTagLength = 16

// Cipher encrypts and decrypts a HAP session's traffic. Output and input
// use independent keys and independent monotonically increasing nonce
// counters, since a session carries two directions of traffic.
type Cipher struct {
	outAEAD cipherAEAD
	inAEAD  cipherAEAD

	outCounter uint64
	inCounter  uint64

	pending []byte
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// NewCipher builds a Cipher from a 32-byte output key and a 32-byte input
// key, as derived by HKDF during Pair-Verify.
func NewCipher(outputKey, inputKey []byte) (*Cipher, error) {
	out, err := chacha20poly1305.New(outputKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid output key: %w", err)
	}
	in, err := chacha20poly1305.New(inputKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid input key: %w", err)
	}
	return &Cipher{outAEAD: out, inAEAD: in}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Encrypt fragments data into FrameLength-byte records, encrypts each with
// the output key, and returns the concatenated `<u16 len><ciphertext><tag>`
// stream. A nil Cipher is a valid identity transform so the same pipeline
// serves plaintext and encrypted connections.
func (c *Cipher) Encrypt(data []byte) []byte {
	if c == nil {
		return data
	}

	var output []byte
	for len(data) > 0 {
		n := FrameLength
		if n > len(data) {
			n = len(data)
		}
		frame := data[:n]
		data = data[n:]

		length := make([]byte, 2)
		binary.LittleEndian.PutUint16(length, uint16(len(frame)))

		sealed := c.outAEAD.Seal(nil, nonceFor(c.outCounter), frame, length)
		c.outCounter++

		output = append(output, length...)
		output = append(output, sealed...)
	}
	return output
}

// Decrypt accumulates data and incrementally emits plaintext as complete
// records become available. Splitting the logical stream at arbitrary byte
// boundaries across multiple calls produces the same concatenated output.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}

	c.pending = append(c.pending, data...)

	var output []byte
	for len(c.pending) >= 2 {
		length := c.pending[0:2]
		payloadLen := int(binary.LittleEndian.Uint16(length))
		blockLen := payloadLen + AuthTagLength

		if len(c.pending) < 2+blockLen {
			break
		}

		block := c.pending[2 : 2+blockLen]
		plain, err := c.inAEAD.Open(nil, nonceFor(c.inCounter), block, length)
		if err != nil {
			return nil, fmt.Errorf("crypto: auth tag mismatch: %w", err)
		}
		c.inCounter++

		output = append(output, plain...)
		c.pending = c.pending[2+blockLen:]
	}
	return output, nil
}
