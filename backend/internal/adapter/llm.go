package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"trial-scout/backend/pkg/errors"
	"trial-scout/backend/pkg/logger"
)

// Conversation roles accepted by the gateway.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message is one entry of the conversation context handed to a turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes one catalog entry in the wire format the model sees
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition defines a callable function
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolRequest is one tool invocation the decide step asked for. When the
// argument JSON did not parse, Arguments is nil and ParseErr records why.
type ToolRequest struct {
	ID           string
	Name         string
	Arguments    map[string]interface{}
	RawArguments string
	ParseErr     error
}

// Decision is the polymorphic outcome of the decide step: either tool
// requests to run, or a direct answer.
type Decision struct {
	Answer   string
	Requests []ToolRequest
}

// ToolOutcome is one unique tool call result fed back into synthesis.
// DupIDs carries requester ids that deduplicated onto this call; each one
// still gets its own tool message so the wire conversation stays valid.
type ToolOutcome struct {
	ID            string
	DupIDs        []string
	Name          string
	RawArguments  string
	Result        string
	Failed        bool
	FailureReason string
}

func (o ToolOutcome) requesterIDs() []string {
	return append([]string{o.ID}, o.DupIDs...)
}

// LLMGateway handles all model traffic via an OpenAI-compatible endpoint
// (LiteLLM in deployment). It owns prompt assembly, per-attempt timeouts,
// and bounded retries for transient failures.
type LLMGateway struct {
	client         *openai.Client
	decideModel    string
	synthesisModel string
	timeout        time.Duration
	maxRetries     int
	logger         *zap.Logger
}

// GatewayOptions configures a gateway. Zero Timeout and MaxRetries fall
// back to 60s and 3.
type GatewayOptions struct {
	BaseURL        string
	APIKey         string
	DecideModel    string
	SynthesisModel string
	Timeout        time.Duration
	MaxRetries     int
}

// NewLLMGateway creates a gateway for an OpenAI-compatible API
func NewLLMGateway(opts GatewayOptions) *LLMGateway {
	// LiteLLM deployments behind a credential-injecting proxy take any key
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimSuffix(opts.BaseURL, "/") + "/v1"

	synthesisModel := opts.SynthesisModel
	if synthesisModel == "" {
		synthesisModel = opts.DecideModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &LLMGateway{
		client:         openai.NewClientWithConfig(config),
		decideModel:    opts.DecideModel,
		synthesisModel: synthesisModel,
		timeout:        timeout,
		maxRetries:     maxRetries,
		logger:         logger.Named("gateway"),
	}
}

// Decide runs the decide step: the model reads the conversation and the
// tool catalog and either answers directly or requests tool calls.
func (g *LLMGateway) Decide(ctx context.Context, conversation []Message, tools []Tool) (*Decision, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(conversation)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: researcherSystemPrompt,
	})
	messages = append(messages, toOpenAIMessages(conversation)...)

	openaiTools := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn := tool.Function
		openaiTools = append(openaiTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    g.decideModel,
		Messages: messages,
		Tools:    openaiTools,
		// ToolChoice defaults to "auto" when tools are provided
		Temperature: 0.2,
	}

	resp, err := g.createChatCompletion(ctx, "decide", req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.ErrEmptyCompletion
	}
	choice := resp.Choices[0]

	decision := &Decision{Answer: strings.TrimSpace(choice.Message.Content)}
	for _, tc := range choice.Message.ToolCalls {
		request := ToolRequest{
			ID:           tc.ID,
			Name:         tc.Function.Name,
			RawArguments: tc.Function.Arguments,
		}
		args, err := parseJSONArguments(tc.Function.Arguments)
		if err != nil {
			g.logger.Warn("tool call arguments did not parse",
				zap.String("tool", tc.Function.Name),
				zap.String("tool_id", tc.ID),
				zap.Error(err),
			)
			request.ParseErr = err
		} else {
			request.Arguments = args
		}
		decision.Requests = append(decision.Requests, request)
	}

	g.logger.Debug("decide step finished",
		zap.String("model", g.decideModel),
		zap.Int("tool_requests", len(decision.Requests)),
		zap.Bool("has_answer", decision.Answer != ""),
	)
	return decision, nil
}

// Synthesize runs the synthesize step: the model composes the final answer
// from the conversation and every tool outcome. Failed calls appear as
// negative evidence so the answer can acknowledge missing data; outcomes
// are never silently dropped.
func (g *LLMGateway) Synthesize(ctx context.Context, conversation []Message, outcomes []ToolOutcome) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(conversation)+2*len(outcomes)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: synthesisSystemPrompt,
	})
	messages = append(messages, toOpenAIMessages(conversation)...)

	if len(outcomes) > 0 {
		assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		for _, outcome := range outcomes {
			for _, id := range outcome.requesterIDs() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   id,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      outcome.Name,
						Arguments: outcome.RawArguments,
					},
				})
			}
		}
		messages = append(messages, assistant)

		for _, outcome := range outcomes {
			content := outcome.Result
			if outcome.Failed {
				content = fmt.Sprintf("tool %s failed: %s", outcome.Name, outcome.FailureReason)
			}
			for _, id := range outcome.requesterIDs() {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					Name:       outcome.Name,
					ToolCallID: id,
				})
			}
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       g.synthesisModel,
		Messages:    messages,
		Temperature: 0.4,
	}

	resp, err := g.createChatCompletion(ctx, "synthesize", req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.ErrEmptyCompletion
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.ErrEmptyCompletion
	}

	g.logger.Debug("synthesize step finished",
		zap.String("model", g.synthesisModel),
		zap.Int("outcomes", len(outcomes)),
		zap.Int("answer_chars", len(answer)),
	)
	return answer, nil
}

// Complete runs a one-shot completion with no conversation attached. Tool
// adapters use it for query generation (text-to-Cypher, text-to-GraphQL).
func (g *LLMGateway) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: g.decideModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0,
	}

	resp, err := g.createChatCompletion(ctx, "complete", req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// createChatCompletion is the shared request path: per-attempt timeout,
// bounded retries with linear backoff for transient failures.
func (g *LLMGateway) createChatCompletion(ctx context.Context, operation string, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	var err error

	attempts := 0
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			g.logger.Warn("retrying model request",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return resp, errors.NewGatewayFailed(operation, req.Model, attempts, false, ctx.Err())
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err = g.client.CreateChatCompletion(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		g.logger.Error("model request failed",
			zap.String("operation", operation),
			zap.String("model", req.Model),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if ctx.Err() != nil || !retryableModelError(err) {
			break
		}
	}

	return resp, errors.NewGatewayFailed(operation, req.Model, attempts, retryableModelError(err), err)
}

// retryableModelError reports whether another attempt could succeed:
// rate limits, upstream 5xx, and transport failures qualify; 4xx and
// caller cancellation do not.
func retryableModelError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	// Transport-level failure, including a per-attempt timeout
	return true
}

func toOpenAIMessages(conversation []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conversation))
	for _, m := range conversation {
		role := m.Role
		switch role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			role = RoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// parseJSONArguments parses the JSON string arguments into a map
func parseJSONArguments(jsonStr string) (map[string]interface{}, error) {
	var args map[string]interface{}
	if jsonStr == "" {
		return make(map[string]interface{}), nil
	}

	if err := json.Unmarshal([]byte(jsonStr), &args); err != nil {
		return nil, fmt.Errorf("failed to parse arguments: %w", err)
	}

	return args, nil
}
