package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name        string
		incoming    string
		expectNewID bool
	}{
		{name: "generates id when absent", incoming: "", expectNewID: true},
		{name: "propagates client id", incoming: "device-req-1", expectNewID: false},
		{name: "replaces oversized id", incoming: strings.Repeat("x", 200), expectNewID: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/upload", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rr.Header().Get(HeaderRequestID))
			if tt.expectNewID {
				_, err := uuid.Parse(seen)
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.incoming, seen)
			}
		})
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	assert.Equal(t, "", GetRequestID(context.Background()))
}
