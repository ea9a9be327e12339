package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"pitchtalk/server/internal/config"
)

var tracer = otel.Tracer("pitchtalk/llm")

// Client 判定调用的客户端接口（评估与评分共用）
type Client interface {
	// Complete 完成一次生成，schema 非空时要求结构化 JSON 输出
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
}

// Message 消息结构
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// NewClient 按配置的提供商创建客户端
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg.OpenAI, logger), nil
	case "anthropic":
		return NewAnthropicClient(cfg.Anthropic, logger), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// httpJSON 是两个提供商共用的 POST + 追踪 + 日志
type httpJSON struct {
	provider   string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

func newHTTPJSON(provider string, cfg config.LLMProviderConfig, logger *zap.Logger) httpJSON {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return httpJSON{
		provider:   provider,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("llm").With(zap.String("provider", provider)),
	}
}

func (h httpJSON) post(ctx context.Context, url string, headers map[string]string, payload any, out any) (err error) {
	ctx, span := tracer.Start(ctx, "llm.complete")
	span.SetAttributes(
		attribute.String("llm.provider", h.provider),
		attribute.String("llm.model", h.model),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.logger.Warn("completion failed", zap.Duration("latency", time.Since(start)), zap.Error(err))
		} else {
			h.logger.Debug("completion ok", zap.Duration("latency", time.Since(start)))
		}
		span.End()
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 512))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// OpenAIClient 使用 Chat Completions
type OpenAIClient struct {
	config config.LLMProviderConfig
	http   httpJSON
}

func NewOpenAIClient(cfg config.LLMProviderConfig, logger *zap.Logger) *OpenAIClient {
	return &OpenAIClient{config: cfg, http: newHTTPJSON("openai", cfg, logger)}
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	reqBody := map[string]any{
		"model":                 c.config.Model,
		"messages":              messages,
		"temperature":           c.config.Temperature,
		"max_completion_tokens": c.config.MaxTokens,
	}

	// 推理模型会把 token 预算花在 reasoning 上导致 content 为空，降低 effort。
	if isOpenAIReasoningModel(c.config.Model) {
		reqBody["reasoning_effort"] = "low"
		delete(reqBody, "temperature")
	}
	if schema != nil {
		reqBody["response_format"] = map[string]any{
			"type":        "json_schema",
			"json_schema": schema,
		}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.config.APIKey}
	if err := c.http.post(ctx, c.config.APIURL+"/chat/completions", headers, reqBody, &result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	content := result.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty content in response (finish_reason=%s)", result.Choices[0].FinishReason)
	}
	return content, nil
}

func isOpenAIReasoningModel(model string) bool {
	return strings.HasPrefix(model, "gpt-5") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// AnthropicClient 使用 Messages API
type AnthropicClient struct {
	config config.LLMProviderConfig
	http   httpJSON
}

func NewAnthropicClient(cfg config.LLMProviderConfig, logger *zap.Logger) *AnthropicClient {
	return &AnthropicClient{config: cfg, http: newHTTPJSON("anthropic", cfg, logger)}
}

func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	// Anthropic 需要分离 system message
	var systemParts []string
	var turns []map[string]string
	for _, msg := range messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		turns = append(turns, map[string]string{"role": msg.Role, "content": msg.Content})
	}

	// 没有原生 json_schema，把 schema 附在 system 里并要求只输出 JSON
	if schema != nil {
		raw, err := json.Marshal(schema.Schema)
		if err != nil {
			return "", fmt.Errorf("marshal schema: %w", err)
		}
		systemParts = append(systemParts, "Respond with a single JSON object only, matching this JSON schema:\n"+string(raw))
	}

	reqBody := map[string]any{
		"model":       c.config.Model,
		"messages":    turns,
		"max_tokens":  c.config.MaxTokens,
		"temperature": c.config.Temperature,
	}
	if len(systemParts) > 0 {
		reqBody["system"] = strings.Join(systemParts, "\n\n")
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
			Type string `json:"type"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": "2023-06-01",
	}
	if err := c.http.post(ctx, c.config.APIURL+"/messages", headers, reqBody, &result); err != nil {
		return "", err
	}

	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
