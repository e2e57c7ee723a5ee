package devicecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// FileKeySize is the AES key length devices generate per file.
const FileKeySize = 16

// Seal produces an upload the way a device does: a fresh AES key wrapped
// for pub, then one encrypted record per line.
func Seal(pub *rsa.PublicKey, lines [][]byte) ([]byte, error) {
	return sealWith(rand.Reader, pub, lines)
}

func sealWith(r io.Reader, pub *rsa.PublicKey, lines [][]byte) ([]byte, error) {
	fileKey := make([]byte, FileKeySize)
	if _, err := io.ReadFull(r, fileKey); err != nil {
		return nil, fmt.Errorf("generate file key: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), r, pub, fileKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap file key: %w", err)
	}
	block, err := aes.NewCipher(fileKey)
	if err != nil {
		return nil, err
	}

	enc := base64.URLEncoding
	var buf bytes.Buffer
	buf.WriteString(enc.EncodeToString(wrapped))
	for _, l := range lines {
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(r, iv); err != nil {
			return nil, fmt.Errorf("generate iv: %w", err)
		}
		padded := pad(l)
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)

		buf.WriteByte('\n')
		buf.WriteString(enc.EncodeToString(iv))
		buf.WriteByte(':')
		buf.WriteString(enc.EncodeToString(padded))
	}
	return buf.Bytes(), nil
}
