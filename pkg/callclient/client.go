// Package callclient talks to the call signaling API over HTTP. It satisfies
// the controller's SignalingStore and turns error envelopes back into AppErrors.
package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/ice"
	"callsignal-backend/pkg/resilience"
)

const maxResponseSize = 1 << 20

// Client is a signaling API client acting as the user its token belongs to
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *resilience.Breaker
}

// Option configures a Client
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithBreaker routes every request through b
func WithBreaker(b *resilience.Breaker) Option { return func(c *Client) { c.breaker = b } }

// New creates a client for baseURL, e.g. http://localhost:8080/v1
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.New("signaling", resilience.Config{Retryable: Retryable}, nil)
	}
	return c
}

// Retryable reports whether err means the server could not be reached or
// failed on its side, as opposed to refusing the request
func Retryable(err error) bool {
	return apperrors.IsTemporary(err)
}

type callBody struct {
	Call *domain.CallSession `json:"call"`
}

// CurrentCalls is the body of GET /calls
type CurrentCalls struct {
	IncomingCall *domain.CallSession `json:"incomingCall"`
	ActiveCall   *domain.CallSession `json:"activeCall"`
}

func (c *Client) CreateCall(ctx context.Context, receiverID uuid.UUID, callType domain.CallType) (*domain.CallSession, error) {
	var out callBody
	body := map[string]any{"receiverId": receiverID, "type": callType}
	// Not retried: a lost response would ring the receiver twice.
	err := c.breaker.ExecuteOnce(ctx, "create", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/calls", body, &out)
	})
	return out.Call, err
}

func (c *Client) GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	var out callBody
	err := c.breaker.ExecuteOnce(ctx, "get", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/calls/"+callID.String(), nil, &out)
	})
	return out.Call, err
}

// PatchCall applies one signaling action. Transient failures are retried;
// a repeated candidate is harmless since readers skip candidates they have seen.
func (c *Client) PatchCall(ctx context.Context, callID uuid.UUID, patch *domain.CallPatch) (*domain.CallSession, error) {
	var out callBody
	err := c.breaker.Execute(ctx, "patch_"+string(patch.Action), func(ctx context.Context) error {
		return c.do(ctx, http.MethodPatch, "/calls/"+callID.String(), patch, &out)
	})
	return out.Call, err
}

func (c *Client) DeleteCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	var out callBody
	err := c.breaker.Execute(ctx, "delete", func(ctx context.Context) error {
		return c.do(ctx, http.MethodDelete, "/calls/"+callID.String(), nil, &out)
	})
	return out.Call, err
}

// Current returns the ringing call addressed to the user and the user's active call
func (c *Client) Current(ctx context.Context) (*CurrentCalls, error) {
	var out CurrentCalls
	err := c.breaker.Execute(ctx, "current", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/calls", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ICEServers fetches the server's STUN/TURN list
func (c *Client) ICEServers(ctx context.Context) ([]ice.Server, error) {
	var out struct {
		ICEServers []ice.Server `json:"iceServers"`
	}
	err := c.breaker.Execute(ctx, "ice_servers", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/calls/ice-servers", nil, &out)
	})
	return out.ICEServers, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds the server's AppError from the error envelope
func decodeError(status int, data []byte) error {
	var envelope struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == nil || envelope.Error.Code == "" {
		code := apperrors.ErrCodeInternal
		if status == http.StatusServiceUnavailable {
			code = apperrors.ErrCodeServiceUnavail
		}
		return apperrors.NewWithStatus(code, http.StatusText(status), status)
	}
	return apperrors.NewWithStatus(apperrors.ErrorCode(envelope.Error.Code), envelope.Error.Message, status)
}
