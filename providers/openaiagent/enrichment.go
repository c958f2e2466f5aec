package openaiagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tripsmith/itinera/agent"
	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/orchestrator"
)

// EnrichmentAgent enriches one node at a time with descriptions, timing,
// and location detail via an OpenAI chat completion. Per-node failures are
// non-fatal: the orchestrator skips the node and the pipeline continues.
type EnrichmentAgent struct {
	chat  ChatClient
	model string
	opts  Options
}

// NewEnrichment builds an EnrichmentAgent from the given OpenAI-compatible
// client.
func NewEnrichment(opts Options) (*EnrichmentAgent, error) {
	if opts.Client == nil {
		return nil, errors.New("openaiagent: client is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("openaiagent: model is required")
	}
	return &EnrichmentAgent{chat: opts.Client, model: opts.Model, opts: opts}, nil
}

// NewEnrichmentFromAPIKey constructs an EnrichmentAgent using the default
// OpenAI HTTP client, reading OPENAI_API_KEY from the environment when
// apiKey is empty.
func NewEnrichmentFromAPIKey(apiKey, model string) (*EnrichmentAgent, error) {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(clientOpts...)
	return NewEnrichment(Options{Client: &client.Chat.Completions, Model: model})
}

func (a *EnrichmentAgent) Name() string { return "enrichment" }

func (a *EnrichmentAgent) Run(ctx context.Context, input any) (any, error) {
	in, ok := input.(orchestrator.NodeUnitInput)
	if !ok {
		return nil, agent.NewError(agent.KindInternal, "enrichment agent: unexpected input type", nil)
	}

	current, err := json.Marshal(in.Node)
	if err != nil {
		return nil, agent.NewError(agent.KindInternal, "enrichment agent: failed to marshal node", err)
	}

	resp, err := a.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(enrichmentSystemPrompt),
			openai.UserMessage(fmt.Sprintf("destination=%s dayNumber=%d node=%s", in.Itinerary.Destination, in.Day.DayNumber, current)),
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, agent.NewError(agent.KindTransientUpstream, "openai returned no choices", nil)
	}

	var enriched itinerary.Node
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &enriched); err != nil {
		return nil, agent.NewError(agent.KindTransientUpstream, "enrichment agent: malformed JSON response", err)
	}
	// The node identity is fixed by the orchestrator's unit; a response
	// that renames the node is corrected rather than rejected.
	enriched.ID = in.Node.ID
	if enriched.Type == "" {
		enriched.Type = in.Node.Type
	}
	if enriched.Location != nil && !enriched.Location.Valid() {
		enriched.Location = in.Node.Location
	}
	return enriched, nil
}

func (a *EnrichmentAgent) IsRetryable() bool { return true }

func (a *EnrichmentAgent) MaxAttempts() int {
	if a.opts.MaxAttemptsVal > 0 {
		return a.opts.MaxAttemptsVal
	}
	return 2
}

func (a *EnrichmentAgent) BaseBackoff() time.Duration {
	if a.opts.BaseBackoffVal > 0 {
		return a.opts.BaseBackoffVal
	}
	return 500 * time.Millisecond
}

func (a *EnrichmentAgent) PerAttemptTimeout() time.Duration {
	if a.opts.PerAttemptTimeout > 0 {
		return a.opts.PerAttemptTimeout
	}
	return 15 * time.Second
}

// FatalOnFailure reports false: a node that cannot be enriched keeps its
// planned form.
func (a *EnrichmentAgent) FatalOnFailure() bool { return false }

const enrichmentSystemPrompt = `You enrich one itinerary node with practical detail. Given a node JSON object, ` +
	`return the same node as strict JSON with details, timing, location, and cost filled in where you are confident. ` +
	`Keep the id, type, and title unless the title is clearly wrong.`
