package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const defaultRemoteTimeout = 2 * time.Second

// ErrMalformedResponse is returned when the remote answer fails validation.
var ErrMalformedResponse = errors.New("malformed scorer response")

// Remote calls the intelligence service over HTTP.
type Remote struct {
	url    string
	apiKey string
	client *http.Client
}

type remoteResponse struct {
	Score    *float64 `json:"score"`
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

// NewRemote creates a client for the scorer at url.
func NewRemote(url, apiKey string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &Remote{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Score(ctx context.Context, f Features) (Result, error) {
	if r.url == "" {
		return Result{}, fmt.Errorf("scorer url not configured")
	}

	body, err := json.Marshal(f)
	if err != nil {
		return Result{}, fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("scorer request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read scorer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("scorer status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out.validate()
}

func (r remoteResponse) validate() (Result, error) {
	if r.Score == nil {
		return Result{}, fmt.Errorf("%w: missing score", ErrMalformedResponse)
	}
	s := *r.Score
	if math.IsNaN(s) || s < 0 || s > 1 {
		return Result{}, fmt.Errorf("%w: score %v out of range", ErrMalformedResponse, s)
	}
	v := Verdict(r.Decision)
	if v != VerdictAccept && v != VerdictReject {
		return Result{}, fmt.Errorf("%w: decision %q", ErrMalformedResponse, r.Decision)
	}
	return Result{Score: s, Verdict: v, Reasons: r.Reasons}, nil
}
