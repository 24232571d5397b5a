package httpplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/transfer"
)

// Per-call timeouts.
const (
	connectTimeout     = 10 * time.Second
	registerTimeout    = 5 * time.Second
	sendRequestTimeout = 15 * time.Second
	sendTimeout        = 30 * time.Minute
)

// maxConcurrentOutbound bounds outbound HTTP calls so a burst of peer
// discoveries can never exhaust file descriptors or starve the accept
// loop.
const maxConcurrentOutbound = 5

// Client issues the three outbound LocalSend v2 calls this agent makes of
// its peers: /register, /send-request, and /send. Every call acquires a
// slot from a bounded semaphore before dialing.
type Client struct {
	httpClient *http.Client
	sem        chan struct{}
	logger     *slog.Logger
}

// NewClient constructs a Client whose underlying http.Client uses
// connectTimeout as its dial timeout; per-call response timeouts are
// applied via context on each method.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		sem:    make(chan struct{}, maxConcurrentOutbound),
		logger: logger.With(slog.String("component", "httpplane.client")),
	}
}

// acquire blocks until an outbound slot is free or ctx is cancelled.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// Register posts self's DeviceInfo to baseURL's /api/localsend/v1/register.
func (c *Client) Register(ctx context.Context, baseURL string, self identity.DeviceInfo) error {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer c.release()

	body, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("marshal device info: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/localsend/v1/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}

	return nil
}

// SendRequestResult is the decoded response of a /send-request call.
type SendRequestResult struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// SendRequest posts offer to baseURL's /api/localsend/v1/send-request and
// returns the peer's accept/decline decision.
func (c *Client) SendRequest(ctx context.Context, baseURL string, offer transfer.TransferOffer) (SendRequestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sendRequestTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return SendRequestResult{}, fmt.Errorf("send-request: %w", err)
	}
	defer c.release()

	body, err := json.Marshal(offer)
	if err != nil {
		return SendRequestResult{}, fmt.Errorf("marshal offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/localsend/v1/send-request", bytes.NewReader(body))
	if err != nil {
		return SendRequestResult{}, fmt.Errorf("build send-request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendRequestResult{}, fmt.Errorf("send-request: %w", err)
	}
	defer resp.Body.Close()

	var result SendRequestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SendRequestResult{}, fmt.Errorf("decode send-request response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("send-request declined: status %d", resp.StatusCode)
	}

	return result, nil
}

// Send streams body (exactly size bytes) to baseURL's /api/localsend/v1/send
// for sessionID/fileID.
func (c *Client) Send(ctx context.Context, baseURL, sessionID, fileID string, size int64, body io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer c.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/localsend/v1/send", body)
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Session-ID", sessionID)
	req.Header.Set("X-File-ID", fileID)
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send: unexpected status %d", resp.StatusCode)
	}

	return nil
}
