// Package anthropicagent adapts the Anthropic Messages API to the
// agent.Agent contract for the per-day population agents (day planner,
// activity, meal, transport). Each is the same adapter configured with a
// different role prompt, since all four share the identical DayUnitInput ->
// itinerary.Day contract.
package anthropicagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tripsmith/itinera/agent"
	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/orchestrator"
)

// MessagesClient captures the subset of the Anthropic SDK used by this
// adapter. It is satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Role names the population agent this instance plays; it only affects the
// prompt, not the input/output contract.
type Role string

const (
	RoleDayPlanner Role = "dayplan"
	RoleActivity   Role = "activities"
	RoleMeal       Role = "meals"
	RoleTransport  Role = "transport"
)

// Options configures a population agent.
type Options struct {
	Client            MessagesClient
	Model             string
	Role              Role
	MaxTokens         int64
	MaxAttemptsVal    int
	BaseBackoffVal    time.Duration
	PerAttemptTimeout time.Duration
}

// Agent fulfils one per-day population role via Claude Messages.
type Agent struct {
	msg   MessagesClient
	model string
	role  Role
	opts  Options
}

// New builds a population Agent for the given role.
func New(opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropicagent: client is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("anthropicagent: model is required")
	}
	if opts.Role == "" {
		return nil, errors.New("anthropicagent: role is required")
	}
	return &Agent{msg: opts.Client, model: opts.Model, role: opts.Role, opts: opts}, nil
}

// NewFromAPIKey constructs an Agent using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string, role Role) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicagent: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Messages, Model: model, Role: role})
}

func (a *Agent) Name() string { return string(a.role) }

func (a *Agent) Run(ctx context.Context, input any) (any, error) {
	in, ok := input.(orchestrator.DayUnitInput)
	if !ok {
		return nil, agent.NewError(agent.KindInternal, "population agent: unexpected input type", nil)
	}

	maxTokens := a.opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	msg, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: a.systemPrompt()}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(a.userPrompt(in))),
		},
	})
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	text := extractText(msg)
	var proposed itinerary.Day
	if err := json.Unmarshal([]byte(text), &proposed); err != nil {
		return nil, agent.NewError(agent.KindTransientUpstream, fmt.Sprintf("%s agent: malformed JSON response", a.role), err)
	}
	if proposed.DayNumber == 0 {
		proposed.DayNumber = in.Day.DayNumber
	}
	return proposed, nil
}

func (a *Agent) IsRetryable() bool { return true }

func (a *Agent) MaxAttempts() int {
	if a.opts.MaxAttemptsVal > 0 {
		return a.opts.MaxAttemptsVal
	}
	return 3
}

func (a *Agent) BaseBackoff() time.Duration {
	if a.opts.BaseBackoffVal > 0 {
		return a.opts.BaseBackoffVal
	}
	return 500 * time.Millisecond
}

func (a *Agent) PerAttemptTimeout() time.Duration {
	if a.opts.PerAttemptTimeout > 0 {
		return a.opts.PerAttemptTimeout
	}
	return 20 * time.Second
}

// FatalOnFailure reports false: a failed day-population unit is skipped,
// leaving that day as it was, and the generation continues.
func (a *Agent) FatalOnFailure() bool { return false }

func (a *Agent) systemPrompt() string {
	switch a.role {
	case RoleActivity:
		return "You plan attraction and activity nodes for one day of a trip. Return strict JSON matching a single Day object with its nodes array populated."
	case RoleMeal:
		return "You plan meal nodes (breakfast, lunch, dinner) for one day of a trip. Return strict JSON matching a single Day object with its nodes array populated."
	case RoleTransport:
		return "You plan transport nodes connecting the activities and meals already scheduled for one day. Return strict JSON matching a single Day object with its nodes array populated."
	default:
		return "You set the pacing and time window for one day of a trip. Return strict JSON matching a single Day object."
	}
}

func (a *Agent) userPrompt(in orchestrator.DayUnitInput) string {
	current, _ := json.Marshal(in.Day)
	return fmt.Sprintf("destination=%s dayNumber=%d currentDay=%s", in.Itinerary.Destination, in.Day.DayNumber, current)
}

func extractText(msg *sdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			b.WriteString(text)
		}
	}
	return b.String()
}

func classifyAnthropicError(err error) *agent.Error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "overloaded") || strings.Contains(msg, "timeout") {
		return agent.NewError(agent.KindTransientUpstream, "anthropic request failed", err)
	}
	if strings.Contains(msg, "400") || strings.Contains(msg, "422") {
		return agent.NewError(agent.KindInvalidInput, "anthropic rejected the request", err)
	}
	return agent.NewError(agent.KindNonRetryableUpstream, "anthropic request failed", err)
}
