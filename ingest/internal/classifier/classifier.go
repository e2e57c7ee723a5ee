// Package classifier decides whether an upload is ordinary data before any
// decryption is attempted.
package classifier

import (
	"strings"

	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
)

// DefaultSpuriousPrefixes are file name prefixes of files some Android builds
// emit by mistake (e.g. "rList-org.beiwe.app.LoadingActivity").
var DefaultSpuriousPrefixes = []string{"rList-"}

const crashLogMarker = "crashlog"

type Classifier struct {
	spuriousPrefixes []string
}

// New returns a Classifier. A nil prefixes slice selects
// DefaultSpuriousPrefixes; an empty non-nil slice disables prefix matching.
func New(spuriousPrefixes []string) *Classifier {
	if spuriousPrefixes == nil {
		spuriousPrefixes = DefaultSpuriousPrefixes
	}
	var prefixes []string
	for _, p := range spuriousPrefixes {
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &Classifier{spuriousPrefixes: prefixes}
}

// Classify looks at the file name only. A crash log wins over a spurious
// prefix.
func (c *Classifier) Classify(filename string, _ []byte) models.Verdict {
	if strings.Contains(strings.ToLower(filename), crashLogMarker) {
		return models.VerdictCrashLog
	}
	for _, p := range c.spuriousPrefixes {
		if strings.HasPrefix(filename, p) {
			return models.VerdictSpurious
		}
	}
	return models.VerdictNormal
}
