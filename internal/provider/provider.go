// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider implements the HTTP client for OpenAI-compatible
// completion backends. It requests token-level completions with
// log-probabilities, converts the wire shape into the branchlens step model
// (dedup, renormalize, entropy per step), and exposes a chat endpoint for
// short natural-language explanations.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/branchlens/internal/completion"
	"github.com/traylinx/branchlens/internal/probability"
)

// DefaultBaseURL is the Fireworks inference endpoint the reference setup
// targets. Any OpenAI-compatible completions API works.
const DefaultBaseURL = "https://api.fireworks.ai/inference/v1"

// DefaultStop ends primary generation at a blank line or code fence.
var DefaultStop = []string{"\n\n", "```"}

// defaultLogitBias suppresses comment-introducing tokens for
// meta-llama/Llama-3.3-70B-Instruct.
var defaultLogitBias = map[string]int{
	"2": -100, "674": -100, "3270": -100, "4304": -100,
	"7275": -100, "7860": -100, "12713": -100, "12885": -100,
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Msg  string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Msg)
}

// CompletionRequest describes one completions call.
type CompletionRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Stop        []string
	Temperature float64
	TopK        int
	LogProbs    int
	N           int
}

// Choice is one returned completion with its fully populated steps.
type Choice struct {
	Text  string
	Steps []completion.TokenStep
}

// Client talks to an OpenAI-compatible provider.
type Client struct {
	baseURL          string
	apiKey           string
	explanationModel string
	httpClient       *http.Client
	counter          *TokenCounter
	contextWindow    int
}

// NewClient creates a provider client. explanationModel is the chat model
// used for alternative explanations; contextWindow caps prompt+completion
// token budgeting (0 disables clamping).
func NewClient(baseURL, apiKey, explanationModel string, contextWindow int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		apiKey:           apiKey,
		explanationModel: explanationModel,
		httpClient:       &http.Client{Timeout: 120 * time.Second},
		counter:          NewTokenCounter(),
		contextWindow:    contextWindow,
	}
}

type completionPayload struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	MaxTokens   int            `json:"max_tokens"`
	Stop        []string       `json:"stop,omitempty"`
	Temperature float64        `json:"temperature"`
	TopK        int            `json:"top_k,omitempty"`
	LogProbs    int            `json:"logprobs,omitempty"`
	N           int            `json:"n,omitempty"`
	LogitBias   map[string]int `json:"logit_bias,omitempty"`
}

// Complete requests req.N completions and converts each choice into the
// step model. Errors are never retried here; retry policy belongs to the
// caller.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) ([]Choice, error) {
	if req.LogProbs <= 0 {
		req.LogProbs = 5
	}
	if req.N <= 0 {
		req.N = 1
	}
	maxTokens := c.clampMaxTokens(req.Prompt, req.MaxTokens)

	payload, err := json.Marshal(completionPayload{
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   maxTokens,
		Stop:        req.Stop,
		Temperature: req.Temperature,
		TopK:        req.TopK,
		LogProbs:    req.LogProbs,
		N:           req.N,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}
	payload, _ = sjson.SetBytes(payload, "logit_bias", defaultLogitBias)

	body, err := c.post(ctx, "/completions", payload)
	if err != nil {
		return nil, err
	}

	choicesJSON := gjson.GetBytes(body, "choices")
	if !choicesJSON.IsArray() {
		return nil, fmt.Errorf("malformed provider response: missing choices array")
	}

	var choices []Choice
	for _, choiceJSON := range choicesJSON.Array() {
		choice, errBuild := buildChoice(choiceJSON)
		if errBuild != nil {
			return nil, errBuild
		}
		choices = append(choices, choice)
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}
	return choices, nil
}

// buildChoice converts one wire choice into a Choice with deduplicated,
// renormalized alternatives and per-step entropy.
func buildChoice(choiceJSON gjson.Result) (Choice, error) {
	text := choiceJSON.Get("text").String()
	logprobs := choiceJSON.Get("logprobs")
	if !logprobs.Exists() {
		return Choice{}, fmt.Errorf("malformed provider response: choice without logprobs")
	}

	tokens := logprobs.Get("tokens").Array()
	offsets := logprobs.Get("text_offset").Array()
	tokenLogProbs := logprobs.Get("token_logprobs").Array()
	topLogProbs := logprobs.Get("top_logprobs").Array()

	steps := make([]completion.TokenStep, 0, len(tokens))
	for i, tok := range tokens {
		var raw []probability.Alternative
		if i < len(topLogProbs) {
			topLogProbs[i].ForEach(func(key, value gjson.Result) bool {
				raw = append(raw, probability.Alternative{Token: key.String(), LogProb: value.Float()})
				return true
			})
		}

		var chosenLogProb float64
		if i < len(tokenLogProbs) {
			chosenLogProb = tokenLogProbs[i].Float()
		}
		if len(raw) == 0 {
			// No distribution reported; the chosen token is the only entry.
			raw = []probability.Alternative{{Token: tok.String(), LogProb: chosenLogProb}}
		}

		merged := probability.Renormalize(probability.DedupeAlternatives(raw))
		entropy := probability.Entropy(merged)

		alts := make([]completion.Alternative, len(merged))
		for j, alt := range merged {
			alts[j] = completion.Alternative{Token: alt.Token, LogProb: alt.LogProb}
		}

		var offset int
		if i < len(offsets) {
			offset = int(offsets[i].Int())
		}
		steps = append(steps, completion.TokenStep{
			TextOffset:   offset,
			Token:        tok.String(),
			LogProb:      merged[0].LogProb,
			Entropy:      entropy,
			Alternatives: alts,
		})
	}

	return Choice{Text: text, Steps: steps}, nil
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Stop        []string      `json:"stop,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const explanationPrompt = `I have the following partial snippet of code generated by a model:
` + "```" + `
%s
` + "```" + `
I want to change the last line to:
` + "```" + `
%s
` + "```" + `
And then allow the model to keep generating from there.

Provide a 1-2 sentence explanation for the change.
Explain the potential difference in the generated code if the change is made.
Also explain if the change would significantly alter the behavior of the code, or if it would be a minor change, like a comment or a variable name.
`

// Explain asks the chat model for a short semantic-delta explanation between
// the code as generated and the alternative-substituted last line.
func (c *Client) Explain(ctx context.Context, existingCode, change string) (string, error) {
	payload, err := json.Marshal(chatPayload{
		Model:       c.explanationModel,
		Messages:    []chatMessage{{Role: "user", Content: fmt.Sprintf(explanationPrompt, existingCode, change)}},
		MaxTokens:   128,
		Stop:        []string{"\n\n"},
		Temperature: 1.0,
	})
	if err != nil {
		return "", fmt.Errorf("marshal explanation request: %w", err)
	}

	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return "", err
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("malformed provider response: missing message content")
	}
	return content.String(), nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("User-Agent", "branchlens")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("provider: close response body error: %v", errClose)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		log.Debugf("provider error, status: %d, body: %s", httpResp.StatusCode, truncateForLog(body))
		return nil, StatusError{Code: httpResp.StatusCode, Msg: string(body)}
	}
	return body, nil
}

// clampMaxTokens keeps prompt plus completion within the configured context
// window. With no window configured the requested budget passes through.
func (c *Client) clampMaxTokens(prompt string, maxTokens int) int {
	if c.contextWindow <= 0 || c.counter == nil {
		return maxTokens
	}
	promptTokens := c.counter.Count(prompt)
	available := c.contextWindow - promptTokens
	if available < 1 {
		available = 1
	}
	if maxTokens > available {
		log.Debugf("clamping max_tokens from %d to %d (prompt uses %d of %d context tokens)",
			maxTokens, available, promptTokens, c.contextWindow)
		return available
	}
	return maxTokens
}

func truncateForLog(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
