// Package blecrypto implements the fixed-key block cipher used by the
// BM6-class protocol family. There is no key exchange: the device and the
// host both hold the same 16-byte constant burned into the reference
// firmware.
package blecrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// BlockSize is the AES block size the protocol frames are built from.
const BlockSize = aes.BlockSize

// Key is the fixed 16-byte key shared by every BM6-class device. It is not
// a secret in any meaningful sense — it's a protocol constant, identical
// across every unit in the field.
var Key = []byte{'l', 'e', 'a', 'g', 'e', 'n', 'd', 0xFF, 0xFE, '0', '1', '0', '0', '0', '0', '9'}

// FramingError reports a buffer whose length isn't a whole multiple of the
// cipher block size.
type FramingError struct {
	Len int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("blecrypto: buffer length %d is not a multiple of block size %d", e.Len, BlockSize)
}

// Codec encrypts and decrypts single- or multi-block frames under Key
// using AES-128 in CBC mode with an all-zero IV. For a lone 16-byte block
// this is byte-identical to ECB, since CBC only XORs the IV into the first
// plaintext block before encrypting it, and XOR with sixteen zero bytes is
// a no-op.
type Codec struct {
	block cipher.Block
}

// NewCodec builds a Codec over the fixed protocol key.
func NewCodec() (*Codec, error) {
	block, err := aes.NewCipher(Key)
	if err != nil {
		return nil, fmt.Errorf("blecrypto: %w", err)
	}
	return &Codec{block: block}, nil
}

var zeroIV = make([]byte, BlockSize)

// Encrypt encrypts plaintext in place-compatible fashion, returning a new
// buffer of the same length. len(plaintext) must be a multiple of
// BlockSize.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 || len(plaintext)%BlockSize != 0 {
		return nil, &FramingError{Len: len(plaintext)}
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c.block, zeroIV).CryptBlocks(out, plaintext)
	return out, nil
}

// Decrypt reverses Encrypt. len(ciphertext) must be a multiple of
// BlockSize.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, &FramingError{Len: len(ciphertext)}
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, zeroIV).CryptBlocks(out, ciphertext)
	return out, nil
}
