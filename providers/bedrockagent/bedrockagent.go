// Package bedrockagent adapts the AWS Bedrock Converse API to the
// agent.Agent contract for the whole-itinerary cost estimator.
package bedrockagent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/tripsmith/itinera/agent"
	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/orchestrator"
)

// RuntimeClient captures the subset of the Bedrock runtime client used by
// this adapter. It is satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the cost estimator agent.
type Options struct {
	Runtime           RuntimeClient
	ModelID           string
	MaxAttemptsVal    int
	BaseBackoffVal    time.Duration
	PerAttemptTimeout time.Duration
}

// CostAgent estimates per-day cost totals via a single Bedrock Converse
// call over the full itinerary.
type CostAgent struct {
	runtime RuntimeClient
	modelID string
	opts    Options
}

// New builds a CostAgent from the given Bedrock runtime client.
func New(opts Options) (*CostAgent, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrockagent: runtime client is required")
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		return nil, errors.New("bedrockagent: model id is required")
	}
	return &CostAgent{runtime: opts.Runtime, modelID: opts.ModelID, opts: opts}, nil
}

func (a *CostAgent) Name() string { return "cost" }

func (a *CostAgent) Run(ctx context.Context, input any) (any, error) {
	in, ok := input.(orchestrator.CostInput)
	if !ok {
		return nil, agent.NewError(agent.KindInternal, "cost agent: unexpected input type", nil)
	}

	payload, err := json.Marshal(in.Itinerary)
	if err != nil {
		return nil, agent.NewError(agent.KindInternal, "cost agent: failed to marshal itinerary", err)
	}

	out, err := a.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(a.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{
				Value: "You estimate travel costs. Given an itinerary JSON document, return strict JSON " +
					`{"days": [{"dayNumber": int, "totals": {"cost": number, "currency": string}}]}` +
					" with one entry per day.",
			},
		},
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: string(payload)},
				},
			},
		},
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	text, err := extractText(out)
	if err != nil {
		return nil, agent.NewError(agent.KindTransientUpstream, "cost agent: empty bedrock response", err)
	}

	var proposed struct {
		Days []struct {
			DayNumber int               `json:"dayNumber"`
			Totals    *itinerary.Totals `json:"totals"`
		} `json:"days"`
	}
	if err := json.Unmarshal([]byte(text), &proposed); err != nil {
		return nil, agent.NewError(agent.KindTransientUpstream, "cost agent: malformed JSON response", err)
	}

	result := in.Itinerary.Clone()
	for _, pd := range proposed.Days {
		if day := result.Day(pd.DayNumber); day != nil {
			day.Totals = pd.Totals
		}
	}
	return result, nil
}

func (a *CostAgent) IsRetryable() bool { return true }

func (a *CostAgent) MaxAttempts() int {
	if a.opts.MaxAttemptsVal > 0 {
		return a.opts.MaxAttemptsVal
	}
	return 3
}

func (a *CostAgent) BaseBackoff() time.Duration {
	if a.opts.BaseBackoffVal > 0 {
		return a.opts.BaseBackoffVal
	}
	return 500 * time.Millisecond
}

func (a *CostAgent) PerAttemptTimeout() time.Duration {
	if a.opts.PerAttemptTimeout > 0 {
		return a.opts.PerAttemptTimeout
	}
	return 20 * time.Second
}

// FatalOnFailure reports false: when cost estimation fails the totals
// stay unset rather than aborting the generation.
func (a *CostAgent) FatalOnFailure() bool { return false }

func extractText(out *bedrockruntime.ConverseOutput) (string, error) {
	member, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrockagent: unexpected converse output shape")
	}
	var b strings.Builder
	for _, block := range member.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("bedrockagent: no text content in converse response")
	}
	return b.String(), nil
}

func classifyBedrockError(err error) *agent.Error {
	msg := err.Error()
	if strings.Contains(msg, "Throttling") || strings.Contains(msg, "timeout") || strings.Contains(msg, "ServiceUnavailable") {
		return agent.NewError(agent.KindTransientUpstream, "bedrock converse failed", err)
	}
	if strings.Contains(msg, "ValidationException") {
		return agent.NewError(agent.KindInvalidInput, "bedrock rejected the request", err)
	}
	return agent.NewError(agent.KindNonRetryableUpstream, "bedrock converse failed", err)
}
