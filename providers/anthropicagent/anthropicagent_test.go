package anthropicagent_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsmith/itinera/itinerary"
	"github.com/tripsmith/itinera/orchestrator"
	"github.com/tripsmith/itinera/providers/anthropicagent"
)

type fakeMessagesClient struct {
	text string
}

func (f *fakeMessagesClient) New(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Text: f.text}},
	}, nil
}

func TestActivityAgentProducesDay(t *testing.T) {
	fake := &fakeMessagesClient{text: `{"dayNumber":2,"pacing":"relaxed","nodes":[{"id":"d2_n1","title":"Museum","type":"attraction","status":"planned"}]}`}
	ag, err := anthropicagent.New(anthropicagent.Options{Client: fake, Model: "claude-sonnet", Role: anthropicagent.RoleActivity})
	require.NoError(t, err)
	assert.Equal(t, "activities", ag.Name())
	assert.False(t, ag.FatalOnFailure())

	out, err := ag.Run(context.Background(), orchestrator.DayUnitInput{
		Itinerary: itinerary.Itinerary{Destination: "Rome"},
		Day:       itinerary.Day{DayNumber: 2},
	})
	require.NoError(t, err)

	day := out.(itinerary.Day)
	assert.Equal(t, 2, day.DayNumber)
	assert.Equal(t, "relaxed", day.Pacing)
	assert.Len(t, day.Nodes, 1)
}

func TestNewRejectsMissingRole(t *testing.T) {
	_, err := anthropicagent.New(anthropicagent.Options{Client: &fakeMessagesClient{}, Model: "claude-sonnet"})
	assert.Error(t, err)
}
