// Package openai implements llm.Client against an OpenAI-compatible chat
// completions endpoint (the same wire shape OpenAI, most local model
// servers, and MLX backends all speak). It is a concrete provider
// implementation, not core: spec §1 marks LLM wire-level clients as an
// external collaborator behind the llm.Client boundary, so this package is
// the one piece of the module that is allowed to know about a specific
// provider's JSON shape.
//
// Grounded on the teacher's internal/llm/openai_client.go (CallLLM,
// CallMLX, GetEndpointModels) for the request-shape idiom -- model,
// messages, temperature, max_tokens/max_completion_tokens for "thinking"
// models -- rewritten against stdlib net/http and a hand-rolled SSE line
// reader rather than the openai-go SDK, since that dependency serves no
// other component in this core (see DESIGN.md's dropped-dependency ledger)
// and the teacher's own MLX fallback path already shows the raw-HTTP idiom
// this package generalizes to streaming.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentsmithy/internal/llm"
)

// Client talks to an OpenAI-compatible /v1/chat/completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	// MaxTokens bounds completion length when > 0; routed to either
	// max_tokens or max_completion_tokens per isThinkingModel.
	MaxTokens int
}

// New returns a Client. httpClient is typically
// observability.NewHTTPClient(nil) so every call is traced; baseURL empty
// defaults to api.openai.com.
func New(httpClient *http.Client, baseURL, apiKey string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// isThinkingModel mirrors the teacher's o<int>-* detection: these models
// reject max_tokens and require max_completion_tokens instead.
func isThinkingModel(model string) bool {
	model = strings.ToLower(model)
	if !strings.HasPrefix(model, "o") {
		return false
	}
	rest := model[1:]
	i := 0
	for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
	}
	return i > 0 && i < len(rest) && rest[i] == '-'
}

type wireMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func toWireMessages(msgs []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireToolCallFunc{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(schemas []llm.ToolSchema) []wireTool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []wireMessage `json:"messages"`
	Tools               []wireTool    `json:"tools,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
	Temperature         float64       `json:"temperature,omitempty"`
	MaxTokens           int           `json:"max_tokens,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func applyTokenBudget(req *chatRequest, model string, maxTokens int) {
	if maxTokens <= 0 {
		return
	}
	if isThinkingModel(model) {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}
}

type chatResponseChoice struct {
	Message wireMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatResponseChoice `json:"choices"`
	Usage   *wireUsage           `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chat issues one non-streaming chat completion, used by C9 for summary
// generation.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, llm.Usage, error) {
	body := chatRequest{Model: model, Messages: toWireMessages(msgs), Tools: toWireTools(tools)}
	applyTokenBudget(&body, model, c.MaxTokens)
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return llm.Message{}, llm.Usage{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("openai: chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("openai: chat completion failed: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return llm.Message{}, llm.Usage{}, fmt.Errorf("openai: no choices returned")
	}

	msg := llm.Message{Role: llm.RoleAssistant, Content: parsed.Choices[0].Message.Content}
	var usage llm.Usage
	if parsed.Usage != nil {
		usage = llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
			Model:            model,
		}
	}
	return msg, usage, nil
}

// streamChunk is one "data: {...}" line of an OpenAI-compatible SSE chat
// completion stream.
type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Usage   *wireUsage     `json:"usage"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
}

type streamDelta struct {
	Content          string              `json:"content"`
	ReasoningContent string              `json:"reasoning_content"`
	ToolCalls        []streamToolCallDelta `json:"tool_calls"`
}

type streamToolCallDelta struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id"`
	Function streamToolCallFuncDelta `json:"function"`
}

type streamToolCallFuncDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatStream drives a streaming chat completion, normalizing each
// server-sent delta into one or more llm.ContentBlock values per spec
// §4.6.2 before handing them to sink, so agentloop (C6) never has to know
// this provider's wire shape.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, sink llm.StreamSink) error {
	body := chatRequest{Model: model, Messages: toWireMessages(msgs), Tools: toWireTools(tools), Stream: true}
	applyTokenBudget(&body, model, c.MaxTokens)
	req, err := c.newRequest(ctx, body)
	if err != nil {
		sink(llm.StreamChunk{Err: err})
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		werr := fmt.Errorf("openai: stream request: %w", err)
		sink(llm.StreamChunk{Err: werr})
		return werr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		werr := fmt.Errorf("openai: stream failed: status %d: %s", resp.StatusCode, string(raw))
		sink(llm.StreamChunk{Err: werr})
		return werr
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // a malformed keep-alive frame is not a transport error
		}

		blocks := normalizeChunk(chunk, model)
		if len(blocks) > 0 {
			sink(llm.StreamChunk{Blocks: blocks})
		}
	}
	if err := scanner.Err(); err != nil {
		werr := fmt.Errorf("openai: stream read: %w", err)
		sink(llm.StreamChunk{Err: werr})
		return werr
	}
	return nil
}

func normalizeChunk(chunk streamChunk, model string) []llm.ContentBlock {
	var blocks []llm.ContentBlock
	if chunk.Usage != nil {
		blocks = append(blocks, llm.ContentBlock{Usage: &llm.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
			Model:            model,
		}})
	}
	if len(chunk.Choices) == 0 {
		return blocks
	}
	delta := chunk.Choices[0].Delta
	if delta.ReasoningContent != "" {
		blocks = append(blocks, llm.ContentBlock{Reasoning: delta.ReasoningContent})
	}
	if delta.Content != "" {
		blocks = append(blocks, llm.ContentBlock{Text: delta.Content})
	}
	for _, tc := range delta.ToolCalls {
		idx := tc.Index
		blocks = append(blocks, llm.ContentBlock{
			ToolCallIndex:    &idx,
			ToolCallID:       tc.ID,
			ToolCallName:     tc.Function.Name,
			ToolCallArgsPart: tc.Function.Arguments,
		})
	}
	return blocks
}

var _ llm.Client = (*Client)(nil)

// modelListResponse mirrors the teacher's GetEndpointModels helper, kept
// as a small capability this provider exposes beyond the llm.Client
// interface; no route or other package in this module calls ListModels.
type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels retrieves the available models from the endpoint's /models
// listing, grounded on the teacher's GetEndpointModels.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openai: build models request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: models request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai: list models failed: status %d: %s", resp.StatusCode, string(raw))
	}
	var parsed modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: decode models: %w", err)
	}
	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
