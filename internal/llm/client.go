// Package llm provides net/http-based reference implementations of the
// domain.UpstreamLLM, domain.JudgeLLM, domain.MetaPromptLLM, and
// domain.Embedder ports. No LLM client SDK appears anywhere in the
// example corpus (see DESIGN.md), so these adapters speak a small JSON
// protocol directly over the standard library's http.Client, the same
// way the teacher's own "under development" bridges (internal/cli's
// agent runtime) stand in for an integration that has no ready-made
// library.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/skillopt/skillopt/internal/domain"
)

// Endpoints maps a provider name (arm.Params.Extra["provider"]) to the
// base URL of its chat-completion-shaped HTTP endpoint.
type Endpoints map[string]string

// Client is a shared net/http-based adapter for all four LLM ports.
type Client struct {
	httpClient *http.Client
	endpoints  Endpoints
	judgeURL   string
	metaURL    string
	embedURL   string
}

// New constructs a Client. judgeURL/metaURL/embedURL are the fixed
// endpoints for the judge, meta-prompt, and embedding services
// respectively; endpoints supplies the per-provider upstream URLs used
// by Invoke.
func New(httpClient *http.Client, endpoints Endpoints, judgeURL, metaURL, embedURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{httpClient: httpClient, endpoints: endpoints, judgeURL: judgeURL, metaURL: metaURL, embedURL: embedURL}
}

var (
	_ domain.UpstreamLLM   = (*Client)(nil)
	_ domain.JudgeLLM      = (*Client)(nil)
	_ domain.MetaPromptLLM = (*Client)(nil)
	_ domain.Embedder      = (*Client)(nil)
)

// ─── UpstreamLLM ─────────────────────────────────────────────────────────────

// Invoke posts requestBody verbatim to the provider's configured
// endpoint and returns the raw response body. model is carried as a
// query parameter, matching how arm.Params.ModelID overrides the body's
// model field before the core reaches here.
func (c *Client) Invoke(ctx context.Context, provider, model string, requestBody string) (string, error) {
	base, ok := c.endpoints[provider]
	if !ok {
		return "", fmt.Errorf("llm: no endpoint configured for provider %q", provider)
	}
	url := fmt.Sprintf("%s?model=%s", base, model)
	body, err := c.post(ctx, url, []byte(requestBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamFailure, err)
	}
	return string(body), nil
}

// ─── JudgeLLM ────────────────────────────────────────────────────────────────

type judgeWireRequest struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

type judgeWireResponse struct {
	Score     float64           `json:"score"`
	Reasoning string            `json:"reasoning"`
	Metadata  map[string]string `json:"metadata"`
}

// Judge calls the configured judge endpoint and classifies any
// transport-level failure into a domain.JudgeError so C6's retry policy
// can branch on Class.Retryable() instead of matching error text.
func (c *Client) Judge(ctx context.Context, req domain.JudgeRequest) (domain.JudgeResult, error) {
	payload, err := json.Marshal(judgeWireRequest{SystemPrompt: req.SystemPrompt, UserPrompt: req.UserPrompt})
	if err != nil {
		return domain.JudgeResult{}, &domain.JudgeError{Class: domain.JudgeErrorFatal, Cause: err}
	}

	body, err := c.post(ctx, c.judgeURL, payload)
	if err != nil {
		return domain.JudgeResult{}, classifyTransportError(ctx, err)
	}

	var wire judgeWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return domain.JudgeResult{}, &domain.JudgeError{Class: domain.JudgeErrorFatal, Cause: fmt.Errorf("decode judge response: %w", err)}
	}
	return domain.JudgeResult{Score: wire.Score, Reasoning: wire.Reasoning, Metadata: wire.Metadata}, nil
}

// ─── MetaPromptLLM ───────────────────────────────────────────────────────────

type metaWireRequest struct {
	Skill         domain.Skill `json:"skill"`
	CurrentPrompt string       `json:"current_prompt,omitempty"`
	Examples      []domain.Log `json:"examples,omitempty"`
	Best          []domain.Log `json:"best,omitempty"`
	Worst         []domain.Log `json:"worst,omitempty"`
	Mode          string       `json:"mode"`
}

// evaluationWire mirrors domain.Evaluation but decodes Weight as a
// pointer so the JSON boundary can still tell "the field was omitted"
// apart from "the field was explicitly set to zero" — a plain float64
// loses that distinction the instant json.Unmarshal zero-values it.
type evaluationWire struct {
	ID               string                  `json:"id"`
	SkillID          string                  `json:"skill_id"`
	EvaluationMethod domain.EvaluationMethod `json:"evaluation_method"`
	Params           domain.EvaluationParams `json:"params"`
	Weight           *float64                `json:"weight,omitempty"`
}

type metaWireResponse struct {
	Prompt      string           `json:"prompt,omitempty"`
	Evaluations []evaluationWire `json:"evaluations,omitempty"`
}

func (c *Client) RegenerateEvaluations(ctx context.Context, skill domain.Skill, exampleLogs []domain.Log) ([]domain.Evaluation, error) {
	wire, err := c.callMeta(ctx, metaWireRequest{Skill: skill, Examples: exampleLogs, Mode: "regenerate_evaluations"})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Evaluation, len(wire.Evaluations))
	for i, e := range wire.Evaluations {
		weight := 1.0
		if e.Weight != nil {
			weight = *e.Weight
		}
		out[i] = domain.Evaluation{
			ID:               e.ID,
			SkillID:          e.SkillID,
			EvaluationMethod: e.EvaluationMethod,
			Params:           e.Params,
			Weight:           weight,
		}
	}
	return out, nil
}

func (c *Client) RegenerateSeedPrompt(ctx context.Context, skill domain.Skill, exampleLogs []domain.Log) (string, error) {
	wire, err := c.callMeta(ctx, metaWireRequest{Skill: skill, Examples: exampleLogs, Mode: "regenerate_seed_prompt"})
	if err != nil {
		return "", err
	}
	return wire.Prompt, nil
}

func (c *Client) RewritePrompt(ctx context.Context, skill domain.Skill, currentPrompt string, best, worst []domain.Log) (string, error) {
	wire, err := c.callMeta(ctx, metaWireRequest{Skill: skill, CurrentPrompt: currentPrompt, Best: best, Worst: worst, Mode: "rewrite_prompt"})
	if err != nil {
		return "", err
	}
	return wire.Prompt, nil
}

func (c *Client) callMeta(ctx context.Context, req metaWireRequest) (metaWireResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return metaWireResponse{}, fmt.Errorf("marshal meta-prompt request: %w", err)
	}
	body, err := c.post(ctx, c.metaURL, payload)
	if err != nil {
		return metaWireResponse{}, fmt.Errorf("meta-prompt call: %w", err)
	}
	var wire metaWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return metaWireResponse{}, fmt.Errorf("decode meta-prompt response: %w", err)
	}
	return wire, nil
}

// ─── Embedder ────────────────────────────────────────────────────────────────

type embedWireRequest struct {
	Text string `json:"text"`
}

type embedWireResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedWireRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	body, err := c.post(ctx, c.embedURL, payload)
	if err != nil {
		return nil, fmt.Errorf("embed call: %w", err)
	}
	var wire embedWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return wire.Embedding, nil
}

// ─── shared transport ────────────────────────────────────────────────────────

func (c *Client) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

// httpStatusError carries the response status code through to
// classifyTransportError, so classification can switch on a typed field
// instead of matching substrings of an error string.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// classifyTransportError maps a transport-level failure to the
// discriminated domain.JudgeErrorClass C6's retry loop branches on.
func classifyTransportError(ctx context.Context, err error) *domain.JudgeError {
	if ctx.Err() != nil {
		return &domain.JudgeError{Class: domain.JudgeErrorTimeout, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.JudgeError{Class: domain.JudgeErrorTimeout, Cause: err}
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.status == http.StatusTooManyRequests:
			return &domain.JudgeError{Class: domain.JudgeErrorRateLimited, Cause: err}
		case statusErr.status >= 500:
			return &domain.JudgeError{Class: domain.JudgeErrorUpstream5xx, Cause: err}
		default:
			return &domain.JudgeError{Class: domain.JudgeErrorFatal, Cause: err}
		}
	}
	return &domain.JudgeError{Class: domain.JudgeErrorConnection, Cause: err}
}
