// Package anthropic implements llm.Provider over the Anthropic messages
// API with plain net/http. The model and output limit are fixed when the
// client is built; every Generate call speaks the same configuration.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/types"
)

const (
	defaultModel     = "claude-3-5-sonnet-latest"
	defaultMaxTokens = 4096
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
)

type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	c := &Client{
		apiKey:     strings.TrimSpace(apiKey),
		model:      defaultModel,
		maxTokens:  defaultMaxTokens,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	wire := messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    req.SystemPrompt,
		Messages:  encodeConversation(req.Messages),
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, toolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaOrEmpty(t.JSONSchema),
		})
	}
	if len(wire.Tools) > 0 {
		wire.ToolChoice = &toolChoice{Type: "auto"}
	}

	body, err := c.post(ctx, wire)
	if err != nil {
		return types.Response{}, err
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode anthropic response: %w", err)
	}
	return apiResp.toResponse(), nil
}

func (c *Client) post(ctx context.Context, wire messagesRequest) ([]byte, error) {
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read anthropic response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("anthropic API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// encodeConversation maps Loom's three message roles onto the wire: user
// turns are plain text, assistant turns may mix text with tool_use blocks,
// and tool results travel back as user-role tool_result blocks.
func encodeConversation(in []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case types.RoleUser:
			out = append(out, wireMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		case types.RoleAssistant:
			if turn, ok := assistantTurn(m); ok {
				out = append(out, turn)
			}
		case types.RoleTool:
			out = append(out, wireMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		}
	}
	return out
}

func assistantTurn(m types.Message) (wireMessage, bool) {
	blocks := make([]contentBlock, 0, len(m.ToolCalls)+1)
	if m.Content != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input := map[string]any{}
		if len(tc.Arguments) > 0 {
			_ = json.Unmarshal(tc.Arguments, &input)
		}
		blocks = append(blocks, contentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	if len(blocks) == 0 {
		return wireMessage{}, false
	}
	return wireMessage{Role: "assistant", Content: blocks}, true
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if len(schema) > 0 {
		return schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

type messagesRequest struct {
	Model      string        `json:"model"`
	MaxTokens  int           `json:"max_tokens"`
	System     string        `json:"system,omitempty"`
	Messages   []wireMessage `json:"messages"`
	Tools      []toolSpec    `json:"tools,omitempty"`
	ToolChoice *toolChoice   `json:"tool_choice,omitempty"`
}

type toolChoice struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   any            `json:"content,omitempty"`
}

type toolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r messagesResponse) toResponse() types.Response {
	msg := types.Message{Role: types.RoleAssistant}
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			args, _ := json.Marshal(input)
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = strings.TrimSpace(msg.Content)

	resp := types.Response{Message: msg}
	if r.Usage.InputTokens > 0 || r.Usage.OutputTokens > 0 {
		resp.Usage = &types.Usage{
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
			TotalTokens:  r.Usage.InputTokens + r.Usage.OutputTokens,
		}
	}
	return resp
}
