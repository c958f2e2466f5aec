// Package openaiagent adapts the OpenAI Chat Completions API to the
// agent.Agent contract, used for the Skeleton agent (a single fatal-on-
// failure call that produces the initial day structure).
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

// ChatClient captures the subset of the OpenAI SDK used by this adapter, so
// tests can substitute a fake without a live API key.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the skeleton agent.
type Options struct {
	Client            ChatClient
	Model             string
	MaxAttemptsVal    int
	BaseBackoffVal    time.Duration
	PerAttemptTimeout time.Duration
}

// SkeletonAgent produces the initial per-day placeholder structure for a new
// itinerary from a single OpenAI chat completion. Its failure is fatal: the
// orchestrator aborts the generation rather than persisting a half-built
// plan.
type SkeletonAgent struct {
	chat  ChatClient
	model string
	opts  Options
}

// New builds a SkeletonAgent from the given OpenAI-compatible client.
func New(opts Options) (*SkeletonAgent, error) {
	if opts.Client == nil {
		return nil, errors.New("openaiagent: client is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("openaiagent: model is required")
	}
	return &SkeletonAgent{chat: opts.Client, model: opts.Model, opts: opts}, nil
}

// NewFromAPIKey constructs a SkeletonAgent using the default OpenAI HTTP
// client, reading OPENAI_API_KEY from the environment when apiKey is empty.
func NewFromAPIKey(apiKey, model string) (*SkeletonAgent, error) {
	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(clientOpts...)
	return New(Options{Client: &client.Chat.Completions, Model: model})
}

func (a *SkeletonAgent) Name() string { return "skeleton" }

func (a *SkeletonAgent) Run(ctx context.Context, input any) (any, error) {
	in, ok := input.(orchestrator.SkeletonInput)
	if !ok {
		return nil, agent.NewError(agent.KindInternal, "skeleton agent: unexpected input type", nil)
	}

	resp, err := a.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(skeletonSystemPrompt),
			openai.UserMessage(skeletonUserPrompt(in)),
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, agent.NewError(agent.KindTransientUpstream, "openai returned no choices", nil)
	}

	var proposed struct {
		Summary string           `json:"summary"`
		Days    []itinerary.Day  `json:"days"`
	}
	raw := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(raw), &proposed); err != nil {
		return nil, agent.NewError(agent.KindTransientUpstream, "skeleton agent: malformed JSON response", err)
	}

	out := in.Itinerary.Clone()
	out.Summary = proposed.Summary
	if len(proposed.Days) == len(out.Days) {
		out.Days = proposed.Days
	}
	return out, nil
}

func (a *SkeletonAgent) IsRetryable() bool { return true }

func (a *SkeletonAgent) MaxAttempts() int {
	if a.opts.MaxAttemptsVal > 0 {
		return a.opts.MaxAttemptsVal
	}
	return 3
}

func (a *SkeletonAgent) BaseBackoff() time.Duration {
	if a.opts.BaseBackoffVal > 0 {
		return a.opts.BaseBackoffVal
	}
	return 500 * time.Millisecond
}

func (a *SkeletonAgent) PerAttemptTimeout() time.Duration {
	if a.opts.PerAttemptTimeout > 0 {
		return a.opts.PerAttemptTimeout
	}
	return 20 * time.Second
}

// FatalOnFailure reports true: without the day structure there is nothing
// for the later phases to build on, so a skeleton failure aborts the
// whole generation.
func (a *SkeletonAgent) FatalOnFailure() bool { return true }

func classifyOpenAIError(err error) *agent.Error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate") || strings.Contains(msg, "timeout") {
		return agent.NewError(agent.KindTransientUpstream, "openai request failed", err)
	}
	if strings.Contains(msg, "400") || strings.Contains(msg, "422") {
		return agent.NewError(agent.KindInvalidInput, "openai rejected the request", err)
	}
	return agent.NewError(agent.KindNonRetryableUpstream, "openai request failed", err)
}

const skeletonSystemPrompt = `You are a travel itinerary skeleton planner. Given a trip request, ` +
	`return strict JSON {"summary": string, "days": [{"dayNumber": int, "date": string, "location": string, "nodes": []}]} ` +
	`with one entry per day of the trip and no nodes populated yet.`

func skeletonUserPrompt(in orchestrator.SkeletonInput) string {
	return fmt.Sprintf("destination=%s origin=%s start=%s end=%s days=%d",
		in.Itinerary.Destination, in.Itinerary.Origin, in.Itinerary.StartDate, in.Itinerary.EndDate, len(in.Itinerary.Days))
}
