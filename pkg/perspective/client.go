// Package perspective is a minimal client for the Perspective Comment
// Analyzer API (commentanalyzer.googleapis.com).
package perspective

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://commentanalyzer.googleapis.com/v1alpha1"

// Attribute names scored by the API.
const (
	AttrToxicity       = "TOXICITY"
	AttrSevereToxicity = "SEVERE_TOXICITY"
	AttrInsult         = "INSULT"
	AttrThreat         = "THREAT"
	AttrIdentityAttack = "IDENTITY_ATTACK"
	AttrProfanity      = "PROFANITY"
)

// Client scores comment text against the Perspective API.
type Client interface {
	AnalyzeComment(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error)
}

// AnalyzeRequest is the request body for POST /comments:analyze.
type AnalyzeRequest struct {
	Comment             Comment                  `json:"comment"`
	RequestedAttributes map[string]AttributeSpec `json:"requestedAttributes"`
	Languages           []string                 `json:"languages,omitempty"`
	DoNotStore          bool                     `json:"doNotStore"`
}

// Comment carries the text to score.
type Comment struct {
	Text string `json:"text"`
}

// AttributeSpec configures one requested attribute. Empty is valid.
type AttributeSpec struct {
	ScoreThreshold float64 `json:"scoreThreshold,omitempty"`
}

// AnalyzeResponse is the response from POST /comments:analyze.
type AnalyzeResponse struct {
	AttributeScores map[string]AttributeScore `json:"attributeScores"`
	Languages       []string                  `json:"languages"`
}

// AttributeScore holds the summary score for one attribute.
type AttributeScore struct {
	SummaryScore Score `json:"summaryScore"`
}

// Score is a probability value in 0..1.
type Score struct {
	Value float64 `json:"value"`
	Type  string  `json:"type"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Perspective API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) AnalyzeComment(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perspective: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/comments:analyze?key="+c.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perspective: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perspective: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perspective: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result AnalyzeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "perspective: unmarshal response")
	}

	return &result, nil
}

// APIError is a non-200 response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("perspective: unexpected status %d: %s", e.StatusCode, e.Body)
}
