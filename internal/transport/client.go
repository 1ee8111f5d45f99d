package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/logger"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/pipeline"
	"github.com/wershasb1/Repository-name-tiktrue-backend-sub000/internal/tensor"
)

// Client forwards pipeline steps to the next node. Forwarding timeouts are
// long by design: the downstream node may itself forward further, and a
// prompt step on a slow chain can legitimately take minutes.
type Client struct {
	base string
	http *http.Client
	log  *logger.Logger
}

// NewClient builds a client for a host:port target with a keep-alive
// connection pool.
func NewClient(target string, timeout time.Duration) *Client {
	base := target
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.Log.With("transport"),
	}
}

// Forward sends one step to the downstream /pipeline endpoint and decodes
// the response. Implements pipeline.Forwarder.
func (c *Client) Forward(ctx context.Context, sessionID string, step int, targetBlock string, outputs map[string]*tensor.Tensor) (*pipeline.StepResult, error) {
	encoded, err := tensor.EncodeMap(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode step payload: %w", err)
	}
	body, err := json.Marshal(&StepRequestWire{
		SessionID:     sessionID,
		Step:          step,
		TargetBlockID: targetBlock,
		Inputs:        encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal step payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/pipeline", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s/pipeline: %w", c.base, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var wire StepResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response from %s (HTTP %d): %w", c.base, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := wire.Error
		if msg == "" {
			msg = "no error detail"
		}
		return nil, fmt.Errorf("%s responded %d: %s", c.base, resp.StatusCode, msg)
	}
	return fromWire(&wire)
}
