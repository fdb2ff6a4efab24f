package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brunobiangulo/goredact/pii"
)

// Presidio calls a presidio-analyzer service's /analyze endpoint.
// Unlike a best-effort sidecar, an unreachable analyzer is an error: the
// caller must not proceed with partial coverage.
type Presidio struct {
	url       string
	http      *http.Client
	threshold float64
	entities  []string
}

// PresidioOption configures a Presidio client.
type PresidioOption func(*Presidio)

// WithTimeout overrides the default 10s request timeout.
func WithTimeout(d time.Duration) PresidioOption {
	return func(p *Presidio) { p.http.Timeout = d }
}

// WithThreshold sets the score threshold sent to and enforced on results.
func WithThreshold(t float64) PresidioOption {
	return func(p *Presidio) { p.threshold = t }
}

// WithEntities restricts analysis to the given entity types.
func WithEntities(types ...string) PresidioOption {
	return func(p *Presidio) { p.entities = types }
}

// NewPresidio creates a client for the analyzer at baseURL
// (e.g. "http://presidio-analyzer:3000").
func NewPresidio(baseURL string, opts ...PresidioOption) *Presidio {
	p := &Presidio{
		url:       strings.TrimRight(baseURL, "/") + "/analyze",
		http:      &http.Client{Timeout: 10 * time.Second},
		threshold: DefaultScoreThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
	Entities       []string `json:"entities,omitempty"`
}

type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Detect sends text to the analyzer. It is safe for concurrent use.
func (p *Presidio) Detect(ctx context.Context, text, language string) ([]pii.Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(analyzeRequest{
		Text:           text,
		Language:       language,
		ScoreThreshold: p.threshold,
		Entities:       p.entities,
	})
	if err != nil {
		return nil, fmt.Errorf("presidio: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("presidio: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: analyzer status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results []analyzeResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("%w: decoding analyzer response: %v", ErrUnavailable, err)
	}

	ents := make([]pii.Entity, 0, len(results))
	for _, r := range results {
		ents = append(ents, pii.Entity{Start: r.Start, End: r.End, Type: r.EntityType, Score: r.Score})
	}
	ents = filter(ents, text, p.threshold)
	Sort(ents)
	return ents, nil
}
