// Package remote provides the HTTP transport to the remote record store
// and an in-memory reference server implementing the same protocol.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/mimisupply/mimisync/internal/errors"
	"github.com/mimisupply/mimisync/internal/models"
	syncpkg "github.com/mimisupply/mimisync/internal/sync"
)

// pushRequest is the wire form of one mutation.
type pushRequest struct {
	MutationID     string            `json:"mutation_id"`
	Op             string            `json:"op"`
	Type           models.RecordType `json:"type"`
	ID             string            `json:"id"`
	Payload        models.Fields     `json:"payload,omitempty"`
	BaseVersionTag string            `json:"base_version_tag,omitempty"`
}

type pushResponse struct {
	VersionTag string         `json:"version_tag,omitempty"`
	Conflict   *models.Record `json:"conflict,omitempty"`
	Message    string         `json:"message,omitempty"`
}

type pullResponse struct {
	Records   []*models.Record   `json:"records"`
	NextToken models.ChangeToken `json:"next_token"`
}

// Client implements the RemoteStore interface over HTTP JSON.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ syncpkg.RemoteStore = (*Client)(nil)

// NewClient creates a Client for a remote base URL. token is the opaque
// bearer credential produced by the surrounding app's auth layer.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Push sends one mutation. The remote deduplicates by mutation ID, so
// replaying after a crash returns the original acknowledgement.
func (c *Client) Push(ctx context.Context, m *models.Mutation) (*syncpkg.PushResult, error) {
	body, err := json.Marshal(pushRequest{
		MutationID:     m.MutationID.String(),
		Op:             string(m.Op),
		Type:           m.Type,
		ID:             m.ID,
		Payload:        m.Payload,
		BaseVersionTag: m.BaseVersionTag,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode push request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, "failed to read push response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out pushResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "malformed push response", err)
		}
		return &syncpkg.PushResult{VersionTag: out.VersionTag}, nil

	case resp.StatusCode == http.StatusConflict:
		var out pushResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "malformed conflict response", err)
		}
		return &syncpkg.PushResult{Conflict: out.Conflict}, nil

	default:
		return nil, classifyStatus(resp.StatusCode, data)
	}
}

// Pull fetches remote changes for a partition since a change token.
func (c *Client) Pull(ctx context.Context, p models.Partition, since models.ChangeToken) (*syncpkg.PullResult, error) {
	q := url.Values{}
	q.Set("partition", string(p))
	if !since.IsZero() {
		q.Set("since", since.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build pull request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTimeout, "failed to read pull response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, data)
	}

	var out pullResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "malformed pull response", err)
	}
	return &syncpkg.PullResult{Records: out.Records, NextToken: out.NextToken}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyTransportError maps network-level failures onto the retry
// taxonomy. Timeouts and connection errors are transient by definition.
func classifyTransportError(err error) error {
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "remote call timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncOffline, "remote unreachable", err)
}

// classifyStatus maps HTTP status codes onto the retry taxonomy.
func classifyStatus(code int, body []byte) error {
	msg := fmt.Sprintf("remote returned %d", code)
	var parsed pushResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		msg = parsed.Message
	}

	switch {
	case code == http.StatusRequestTimeout:
		return apperrors.New(apperrors.ErrSyncTimeout, msg)
	case code == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrSyncRateLimited, msg)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.New(apperrors.ErrSyncPermission, msg)
	case code == http.StatusGone:
		return apperrors.New(apperrors.ErrSyncGone, msg)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.ErrSyncRejected, msg)
	case code >= 500:
		return apperrors.New(apperrors.ErrSyncOffline, msg)
	default:
		return apperrors.New(apperrors.ErrSyncRejected, msg)
	}
}
