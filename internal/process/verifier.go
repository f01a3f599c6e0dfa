package process

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Verdict is the outcome of an external verification call.
type Verdict int

const (
	// VerdictAccepted means the verifier approved the draft.
	VerdictAccepted Verdict = iota
	// VerdictRejected means the verifier declined the draft.
	VerdictRejected
	// VerdictUnavailable means the verifier could not answer; callers fall
	// back to local validation rather than blocking.
	VerdictUnavailable
)

// Verifier checks a draft against an external service.
type Verifier interface {
	Verify(ctx context.Context, draft *EntityDraft) Verdict
}

// HTTPVerifier calls a remote verification endpoint. Any transport or
// protocol problem yields VerdictUnavailable, never an error.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVerifier creates a verifier against the given base URL.
func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify posts the draft and maps the response to a verdict.
func (v *HTTPVerifier) Verify(ctx context.Context, draft *EntityDraft) Verdict {
	data, err := json.Marshal(draft)
	if err != nil {
		return VerdictUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, "POST", v.baseURL+"/verify", bytes.NewReader(data))
	if err != nil {
		return VerdictUnavailable
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		log.Printf("verifier unavailable: %v", err)
		return VerdictUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VerdictUnavailable
	}

	var result struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return VerdictUnavailable
	}
	if result.Accepted {
		return VerdictAccepted
	}
	return VerdictRejected
}
