package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/vladkesler/agentd/internal/config"
	"github.com/vladkesler/agentd/internal/httpkit"
)

// Client talks to any OpenAI-compatible chat completions endpoint
// (OpenAI itself, Ollama's /v1 surface, llama.cpp, vLLM, ...). One
// Execute call runs the full tool loop: the model may request tools up
// to maxToolRounds times before it must answer in text.
type Client struct {
	baseURL       string
	model         string
	apiKey        string
	maxToolRounds int
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient builds a client from the role's model block. The API key
// is read from the configured environment variable at construction.
func NewClient(cfg config.Model, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "ollama":
			baseURL = "http://localhost:11434/v1"
		default:
			baseURL = "https://api.openai.com/v1"
		}
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		model:         cfg.Name,
		apiKey:        apiKey,
		maxToolRounds: cfg.MaxToolRounds,
		// large models with tools need time
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger,
	}
}

// wire format

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Execute runs the request through the chat completions endpoint,
// resolving tool calls in-process until the model produces a text
// answer or the tool round limit is hit.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, []Message) {
	logger := c.requestLogger(req)

	messages := make([]Message, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	toolIndex := map[string]Tool{}
	for _, t := range req.Tools {
		toolIndex[t.Name] = t
	}
	declarations := declareTools(req.Tools)

	result := &Result{}
	var lastContent string

	for round := 0; ; round++ {
		resp, err := c.complete(ctx, messages, declarations)
		if err != nil {
			logger.Error("model call failed", "error", err, "round", round)
			result.Err = err.Error()
			return result, req.History
		}
		result.TokensUsed += resp.Usage.TotalTokens

		if len(resp.Choices) == 0 {
			result.Err = "model returned no choices"
			return result, req.History
		}

		msg := resp.Choices[0].Message
		messages = append(messages, msg)
		if msg.Content != "" {
			lastContent = msg.Content
		}

		if len(msg.ToolCalls) == 0 {
			result.Success = true
			result.Output = msg.Content
			return result, stripSystem(messages)
		}

		if round >= c.maxToolRounds {
			logger.Warn("tool round limit reached", "rounds", round)
			result.Success = true
			result.Output = lastContent
			return result, stripSystem(messages)
		}

		for _, call := range msg.ToolCalls {
			result.ToolCalls++
			messages = append(messages, c.runTool(ctx, toolIndex, call))
		}
	}
}

// requestLogger attaches the caller's metadata (run id, trigger type,
// iteration) to every log line of one Execute call, keys sorted so log
// output is stable.
func (c *Client) requestLogger(req Request) *slog.Logger {
	if len(req.Metadata) == 0 {
		return c.logger
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		attrs = append(attrs, k, req.Metadata[k])
	}
	return c.logger.With(attrs...)
}

// complete performs one chat completions round trip.
func (c *Client) complete(ctx context.Context, messages []Message, declarations []map[string]any) (*chatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    declarations,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "chat completions request",
		"bytes", len(body),
		"messages", len(messages),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("provider error: %s", chatResp.Error.Message)
	}
	return &chatResp, nil
}

// runTool executes one requested tool and wraps the outcome as a tool
// message. Handler errors flow back to the model as text so it can
// recover or report.
func (c *Client) runTool(ctx context.Context, index map[string]Tool, call ToolCall) Message {
	name := call.Function.Name
	reply := func(content string) Message {
		return Message{Role: "tool", Content: content, ToolCallID: call.ID}
	}

	tool, ok := index[name]
	if !ok {
		c.logger.Warn("model requested unknown tool", "tool", name)
		return reply(fmt.Sprintf("Error: unknown tool %q", name))
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return reply(fmt.Sprintf("Error: invalid tool arguments: %v", err))
		}
	}

	c.logger.Debug("executing tool", "tool", name)
	out, err := tool.Handler(ctx, args)
	if err != nil {
		c.logger.Warn("tool failed", "tool", name, "error", err)
		return reply(fmt.Sprintf("Error: %v", err))
	}
	return reply(out)
}

// declareTools converts tools to the chat completions function format.
func declareTools(list []Tool) []map[string]any {
	if len(list) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// stripSystem drops the leading system message so stored histories do
// not duplicate the role prompt on every run.
func stripSystem(messages []Message) []Message {
	if len(messages) > 0 && messages[0].Role == "system" {
		return messages[1:]
	}
	return messages
}
