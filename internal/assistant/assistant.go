// Package assistant runs automated gemstone-concierge turns against the
// OpenAI chat API, with function calling bound to the inventory search.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lapidaryhq/concierge/internal/inventory"
	"github.com/lapidaryhq/concierge/internal/session"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

var tracer = otel.Tracer("internal/assistant")

// EscalationPhrase is the exact sentence the system prompt instructs the
// model to emit when a customer should be handed to a human. Matching is on
// the full reply containing this substring.
const EscalationPhrase = "Let me get a team member to help you with that."

// maxToolRounds bounds the function-calling loop so a misbehaving model
// cannot spin forever.
const maxToolRounds = 5

// Reply is one outbound message produced from a turn.
type Reply struct {
	Body     string
	ImageURL string
	VideoURL string
}

// TurnResult is the outcome of one assistant turn.
type TurnResult struct {
	// Replies are the messages to deliver, in order.
	Replies []Reply
	// Text is the raw assistant output, for conversation history.
	Text string
	// Escalated reports whether the reply asked for a human hand-off.
	Escalated bool
}

// chatCompleter is the slice of the OpenAI client the assistant uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client drives assistant turns.
type Client struct {
	api          chatCompleter
	searcher     inventory.Searcher
	model        string
	systemPrompt string
	logger       *logging.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// withCompleter substitutes the OpenAI client, for tests.
func withCompleter(api chatCompleter) Option {
	return func(c *Client) { c.api = api }
}

// New builds a Client. The system prompt is read once from promptPath.
func New(apiKey, model, promptPath string, searcher inventory.Searcher, opts ...Option) (*Client, error) {
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, fmt.Errorf("assistant: read system prompt: %w", err)
	}
	if searcher == nil {
		return nil, errors.New("assistant: inventory searcher is required")
	}
	c := &Client{
		api:          openai.NewClient(apiKey),
		searcher:     searcher,
		model:        model,
		systemPrompt: string(prompt),
		logger:       logging.Default(),
	}
	if c.model == "" {
		c.model = openai.GPT4o
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var searchToolParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"gemstone": {
			"type": "string",
			"description": "Gemstone type, e.g. 'emerald', 'ruby', 'sapphire'"
		},
		"caratWeightMin": {
			"type": "number",
			"description": "Minimum carat weight to search with"
		},
		"caratWeightMax": {
			"type": "number",
			"description": "Maximum carat weight to search with"
		},
		"pair": {
			"type": "boolean",
			"description": "Whether to search for pairs (true) or singles (false)"
		}
	},
	"required": ["gemstone"]
}`)

func searchTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name: "search_inventory",
			Description: "Search the gemstone inventory. " +
				"Provide gemstone type (required) and optional carat weight filters.",
			Parameters: searchToolParams,
		},
	}
}

// RunTurn sends the conversation to the model, resolves any inventory tool
// calls, and returns the parsed replies. history is the customer's session
// transcript, oldest first.
func (c *Client) RunTurn(ctx context.Context, sender string, history []session.Entry) (TurnResult, error) {
	ctx, span := tracer.Start(ctx, "assistant.turn",
		trace.WithAttributes(attribute.Int("assistant.history_len", len(history))))
	defer span.End()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: c.systemPrompt,
	})
	for _, entry := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    roleFor(entry.Role),
			Content: entry.Text,
		})
	}

	for round := 0; round <= maxToolRounds; round++ {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			Tools:       []openai.Tool{searchTool()},
			Temperature: 0.3,
		})
		if err != nil {
			span.RecordError(err)
			return TurnResult{}, fmt.Errorf("assistant: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return TurnResult{}, errors.New("assistant: empty completion response")
		}
		choice := resp.Choices[0]

		if choice.FinishReason == openai.FinishReasonToolCalls {
			messages = append(messages, choice.Message)
			for _, call := range choice.Message.ToolCalls {
				result, err := c.runToolCall(ctx, call)
				if err != nil {
					span.RecordError(err)
					return TurnResult{}, err
				}
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: call.ID,
					Content:    result,
				})
			}
			continue
		}

		text := choice.Message.Content
		c.logger.Info("assistant reply", "sender", sender, "chars", len(text))
		return TurnResult{
			Replies:   ParseReplies(text),
			Text:      text,
			Escalated: strings.Contains(text, EscalationPhrase),
		}, nil
	}
	return TurnResult{}, errors.New("assistant: tool call loop exceeded limit")
}

func (c *Client) runToolCall(ctx context.Context, call openai.ToolCall) (string, error) {
	if call.Function.Name != "search_inventory" {
		return "", fmt.Errorf("assistant: model requested unknown tool %q", call.Function.Name)
	}
	var args struct {
		Gemstone       string   `json:"gemstone"`
		CaratWeightMin *float64 `json:"caratWeightMin"`
		CaratWeightMax *float64 `json:"caratWeightMax"`
		Pair           bool     `json:"pair"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return "", fmt.Errorf("assistant: decode tool arguments: %w", err)
	}
	c.logger.Info("inventory tool call", "gemstone", args.Gemstone, "pair", args.Pair)

	items, err := c.searcher.Search(ctx, inventory.Query{
		Gemstone: args.Gemstone,
		CaratMin: args.CaratWeightMin,
		CaratMax: args.CaratWeightMax,
		Pair:     args.Pair,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: inventory search: %w", err)
	}
	if items == nil {
		items = []inventory.Item{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("assistant: encode tool result: %w", err)
	}
	return string(payload), nil
}

func roleFor(role session.Role) string {
	if role == session.RoleCustomer {
		return openai.ChatMessageRoleUser
	}
	// Operator notes read as prior assistant-side turns.
	return openai.ChatMessageRoleAssistant
}
