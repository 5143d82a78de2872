// Package agentclient makes signed calls from the control plane to an
// agent's optional HTTP endpoint.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agent_dispatch/internal/signing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoEndpoint is returned when the agent registered without a base URL
	ErrNoEndpoint = errors.New("agent has no reachable endpoint")
	// ErrUnreachable wraps transport failures
	ErrUnreachable = errors.New("agent unreachable")
)

// StatusError is a non-2xx agent reply
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Body)
}

// Target identifies the agent and the credentials used to sign for it
type Target struct {
	BaseURL string
	AgentID string
	Token   string
}

// Client Agent客户端
type Client struct {
	httpClient *http.Client
	logger     *logrus.Entry
	now        func() time.Time
}

// NewClient creates a client with the given request timeout
func NewClient(timeout time.Duration, logger *logrus.Entry) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithField("component", "agentclient"),
		now:        time.Now,
	}
}

// Post sends payload as JSON to path on the agent, signed with the agent token
func (c *Client) Post(ctx context.Context, t Target, path string, payload interface{}) (*Response, error) {
	if strings.TrimSpace(t.BaseURL) == "" {
		return nil, ErrNoEndpoint
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(t.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	requestID := uuid.NewString()
	signing.Stamp(req, t.AgentID, t.Token, requestID, body, c.now())

	entry := c.logger.WithFields(logrus.Fields{
		"agent_id":   t.AgentID,
		"url":        url,
		"request_id": requestID,
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		entry.WithError(err).Warn("agent request failed")
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		entry.WithField("status", resp.StatusCode).Warn("agent rejected request")
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	entry.WithField("status", resp.StatusCode).Debug("agent request ok")
	out := &Response{StatusCode: resp.StatusCode}
	if json.Valid(respBody) {
		out.Body = json.RawMessage(respBody)
	}
	return out, nil
}

// ApplyConfig pushes an app config to the agent
func (c *Client) ApplyConfig(ctx context.Context, t Target, req ApplyConfigRequest) (*Response, error) {
	return c.Post(ctx, t, ApplyConfigPath, req)
}
