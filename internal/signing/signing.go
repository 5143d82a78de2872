// Package signing produces and checks the HMAC-SHA256 signatures carried by
// control-plane to agent requests.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Request headers of a signed call
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderRequestID = "X-Request-Id"
	HeaderSignature = "X-Agent-Signature"
)

// Verification failures returned by Verifier.Check
var (
	// ErrMissingHeader means one of the agent id, timestamp, request id or signature headers is absent
	ErrMissingHeader = errors.New("missing signature header")
	// ErrStale means the timestamp is unparsable or outside the skew window
	ErrStale = errors.New("request timestamp outside allowed skew")
	// ErrReplay means the request id was already accepted inside the skew window
	ErrReplay = errors.New("request id already seen")
	// ErrBadSignature means the HMAC does not match the body for the agent's token
	ErrBadSignature = errors.New("signature mismatch")
)

// Sign returns base64(HMAC-SHA256(token, body)). body must be the exact bytes sent.
func Sign(token string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body in constant time
func Verify(token string, body []byte, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Stamp sets the four signing headers on req
func Stamp(req *http.Request, agentID, token, requestID string, body []byte, now time.Time) {
	req.Header.Set(HeaderAgentID, agentID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderSignature, Sign(token, body))
}

// Verifier is the receiving side: it enforces the clock-skew window and
// remembers request ids for the length of that window.
type Verifier struct {
	skew time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewVerifier creates a Verifier accepting timestamps within ±skew
func NewVerifier(skew time.Duration) *Verifier {
	return &Verifier{skew: skew, seen: make(map[string]time.Time)}
}

// Check validates a signed request whose body has already been read
func (v *Verifier) Check(h http.Header, body []byte, token string, now time.Time) error {
	ts, requestID, sig := h.Get(HeaderTimestamp), h.Get(HeaderRequestID), h.Get(HeaderSignature)
	if h.Get(HeaderAgentID) == "" || ts == "" || requestID == "" || sig == "" {
		return ErrMissingHeader
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrStale
	}
	sent := time.Unix(unix, 0)
	if sent.Before(now.Add(-v.skew)) || sent.After(now.Add(v.skew)) {
		return ErrStale
	}

	if !Verify(token, body, sig) {
		return ErrBadSignature
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, at := range v.seen {
		if now.Sub(at) > 2*v.skew {
			delete(v.seen, id)
		}
	}
	if _, dup := v.seen[requestID]; dup {
		return ErrReplay
	}
	v.seen[requestID] = now
	return nil
}
