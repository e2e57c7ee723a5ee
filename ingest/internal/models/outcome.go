package models

import "bytes"

// FailureKind classifies a decryption attempt.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureKeyInvalid means the key-wrap line could not be unwrapped.
	FailureKeyInvalid
	// FailureMalformedCiphertext means the key unwrapped but no data line did.
	FailureMalformedCiphertext
	// FailureEmpty means the upload had no bytes at all.
	FailureEmpty
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureKeyInvalid:
		return "key_invalid"
	case FailureMalformedCiphertext:
		return "malformed_ciphertext"
	case FailureEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// LineFailure records one data line that did not decrypt. Line is the
// zero-based physical line number in the upload.
type LineFailure struct {
	Line int
	Raw  []byte
	Err  error
}

// DecryptionOutcome is the immutable result of one decryption attempt.
type DecryptionOutcome struct {
	Lines           [][]byte
	FailedLineCount int
	Failures        []LineFailure
	FailureKind     FailureKind
}

// Content joins the recovered lines with '\n'.
func (o DecryptionOutcome) Content() []byte {
	return bytes.Join(o.Lines, []byte("\n"))
}

// Failed reports whether the outcome carries a whole-file failure.
func (o DecryptionOutcome) Failed() bool {
	return o.FailureKind != FailureNone
}
