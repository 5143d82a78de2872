package signing

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_KnownVectors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		body  string
		want  string
	}{
		{"rfc fox", "key", "The quick brown fox jumps over the lazy dog", "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg="},
		{"empty body", "key", "", "XV0TlWPJW1lnub2ajJsjOp3ttFByeUzSMtwbdIMmB9A="},
		{"report body", "agent-token-123", `{"command_id":"cmd_1","status":"completed"}`, "czkmT0toeeMqU6/Jchj8E9ioIftZH+6EBuSTnOrO2NM="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sign(tt.token, []byte(tt.body)))
			assert.True(t, Verify(tt.token, []byte(tt.body), tt.want))
		})
	}
}

func TestVerify_MutationInvalidates(t *testing.T) {
	body := []byte(`{"command_id":"cmd_1","status":"completed"}`)
	sig := Sign("agent-token-123", body)

	mutated := append([]byte(nil), body...)
	mutated[len(mutated)-2] = 'D'
	assert.False(t, Verify("agent-token-123", mutated, sig))

	// re-serialized JSON with different spacing is a different message
	assert.False(t, Verify("agent-token-123", []byte(`{"command_id": "cmd_1", "status": "completed"}`), sig))
	assert.False(t, Verify("other-token", body, sig))
	assert.False(t, Verify("agent-token-123", body, "not base64!"))
}

func signedHeader(t *testing.T, token, requestID string, body []byte, at time.Time) http.Header {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://agent.local/api/v1/config/apply", nil)
	require.NoError(t, err)
	Stamp(req, "agent-1", token, requestID, body, at)
	return req.Header
}

func TestVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"app":"web"}`)
	v := NewVerifier(5 * time.Minute)

	h := signedHeader(t, "tok", "req-1", body, now)
	require.NoError(t, v.Check(h, body, "tok", now))
	assert.ErrorIs(t, v.Check(h, body, "tok", now), ErrReplay)

	stale := signedHeader(t, "tok", "req-2", body, now.Add(-10*time.Minute))
	assert.ErrorIs(t, v.Check(stale, body, "tok", now), ErrStale)

	tampered := signedHeader(t, "tok", "req-3", body, now)
	assert.ErrorIs(t, v.Check(tampered, []byte(`{"app":"db"}`), "tok", now), ErrBadSignature)

	missing := signedHeader(t, "tok", "req-4", body, now)
	missing.Del(HeaderRequestID)
	assert.ErrorIs(t, v.Check(missing, body, "tok", now), ErrMissingHeader)
}
