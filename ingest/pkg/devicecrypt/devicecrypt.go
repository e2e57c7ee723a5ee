// Package devicecrypt decrypts files uploaded by research devices.
//
// An upload is a sequence of '\n' separated lines. The first non-blank line
// carries a per-file AES key wrapped with the participant's RSA public key
// (RSA-OAEP, SHA-256), base64 encoded. Every following line is one record:
//
//	base64(iv) ":" base64(AES-CBC ciphertext, PKCS#7 padded)
//
// Both the URL-safe and the standard base64 alphabets are accepted, with or
// without padding. Lines fail independently: a corrupted record loses only
// itself.
package devicecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

// ErrKeyMaterial reports a private key that cannot be used at all. Callers
// treat it as a device-side key defect, not a server failure.
var ErrKeyMaterial = errors.New("unusable device key material")

// MinKeyBits is the smallest RSA modulus accepted for a device key.
const MinKeyBits = 1024

// Engine decrypts uploads. The zero value is ready to use and it holds no
// state, so one Engine may serve concurrent requests.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

type line struct {
	n    int
	data []byte
}

// Decrypt recovers as many records from raw as possible. The returned error
// is non-nil only for ErrKeyMaterial; every other problem is described by the
// outcome's FailureKind and Failures.
func (e *Engine) Decrypt(raw []byte, key *rsa.PrivateKey) (models.DecryptionOutcome, error) {
	if len(raw) == 0 {
		return models.DecryptionOutcome{FailureKind: models.FailureEmpty}, nil
	}
	if err := checkKey(key); err != nil {
		return models.DecryptionOutcome{}, err
	}

	lines := splitLines(raw)
	if len(lines) == 0 {
		return models.DecryptionOutcome{FailureKind: models.FailureEmpty}, nil
	}

	block, err := unwrapKey(lines[0].data, key)
	if err != nil {
		return models.DecryptionOutcome{
			FailureKind: models.FailureKeyInvalid,
			Failures:    []models.LineFailure{{Line: lines[0].n, Raw: lines[0].data, Err: err}},
		}, nil
	}

	records := lines[1:]
	var out models.DecryptionOutcome
	for _, l := range records {
		plain, err := decryptRecord(block, l.data)
		if err != nil {
			out.Failures = append(out.Failures, models.LineFailure{Line: l.n, Raw: l.data, Err: err})
			continue
		}
		out.Lines = append(out.Lines, plain)
	}
	out.FailedLineCount = len(out.Failures)

	if len(records) > 0 && len(out.Lines) == 0 {
		out.FailureKind = models.FailureMalformedCiphertext
	}
	return out, nil
}

func checkKey(key *rsa.PrivateKey) error {
	if key == nil || key.N == nil || len(key.Primes) < 2 {
		return fmt.Errorf("%w: missing key", ErrKeyMaterial)
	}
	if bits := key.N.BitLen(); bits < MinKeyBits {
		return fmt.Errorf("%w: %d-bit modulus", ErrKeyMaterial, bits)
	}
	return nil
}

// splitLines drops blank lines and a trailing '\r' but keeps physical line
// numbers for forensic records.
func splitLines(raw []byte) []line {
	var out []line
	for i, l := range bytes.Split(raw, []byte("\n")) {
		l = bytes.TrimSuffix(l, []byte("\r"))
		if len(bytes.TrimSpace(l)) == 0 {
			continue
		}
		out = append(out, line{n: i, data: l})
	}
	return out
}

func unwrapKey(wrapped []byte, key *rsa.PrivateKey) (cipher.Block, error) {
	ct, err := decodeBase64(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode key line: %w", err)
	}
	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, key, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("file key: %w", err)
	}
	return block, nil
}

func decryptRecord(block cipher.Block, rec []byte) ([]byte, error) {
	ivPart, ctPart, ok := bytes.Cut(rec, []byte(":"))
	if !ok {
		return nil, errors.New("missing iv separator")
	}
	iv, err := decodeBase64(ivPart)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv is %d bytes", len(iv))
	}
	ct, err := decodeBase64(ctPart)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is %d bytes", len(ct))
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return unpad(plain)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

// decodeBase64 picks the alphabet from the characters present.
func decodeBase64(b []byte) ([]byte, error) {
	s := bytes.TrimRight(bytes.TrimSpace(b), "=")
	enc := base64.RawStdEncoding
	if bytes.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	out := make([]byte, enc.DecodedLen(len(s)))
	n, err := enc.Decode(out, s)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
