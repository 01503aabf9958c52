package score

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stackmemory/stackmemory/internal/types"
)

func frameAt(created time.Time) *types.Frame {
	return &types.Frame{ID: "fr-1", CreatedAt: created}
}

func TestImportanceWeights(t *testing.T) {
	now := time.Now().UTC()
	frame := frameAt(now.Add(-5 * time.Minute))

	anchors := []*types.Anchor{
		{Type: types.AnchorDecision},
		{Type: types.AnchorConstraint},
		{Type: types.AnchorInterfaceContract},
		{Type: types.AnchorFact}, // no weight
	}
	events := []*types.Event{
		{Type: types.EventToolCall},
		{Type: types.EventToolCall},
		{Type: types.EventError},
	}

	// 10 + 15 + 15 anchors, 2 tool calls, 1 unresolved error, activity bonus
	got := Importance(frame, events, anchors, now)
	assert.Equal(t, 10+15+15+2+5+2, got)
}

func TestImportanceResolvedErrorNotCounted(t *testing.T) {
	now := time.Now().UTC()
	frame := frameAt(now.Add(-5 * time.Minute))

	resolved, _ := json.Marshal(map[string]any{"message": "flaky test", "resolved": true})
	events := []*types.Event{
		{Type: types.EventError, Payload: resolved},
		{Type: types.EventError},
	}

	got := Importance(frame, events, nil, now)
	assert.Equal(t, 5+2, got)
	assert.Equal(t, 1, UnresolvedErrors(events))
}

func TestImportanceShortFramePenalty(t *testing.T) {
	now := time.Now().UTC()

	// short-lived, one event: penalized
	frame := frameAt(now.Add(-10 * time.Second))
	got := Importance(frame, []*types.Event{{Type: types.EventNote}}, nil, now)
	assert.Equal(t, 0, got) // activity bonus minus penalty, floored at 0

	// same duration but busy: no penalty
	events := []*types.Event{{Type: types.EventNote}, {Type: types.EventNote}}
	got = Importance(frame, events, nil, now)
	assert.Equal(t, 2, got)

	// long-lived single event: no penalty
	old := frameAt(now.Add(-time.Hour))
	got = Importance(old, []*types.Event{{Type: types.EventNote}}, nil, now)
	assert.Equal(t, 2, got)
}

func TestImportanceNeverNegative(t *testing.T) {
	now := time.Now().UTC()
	frame := frameAt(now.Add(-time.Second))
	assert.Equal(t, 0, Importance(frame, nil, nil, now))
}

func TestShortFrameNeverBeatsDecisionFrame(t *testing.T) {
	now := time.Now().UTC()

	short := Importance(frameAt(now.Add(-5*time.Second)), []*types.Event{{Type: types.EventNote}}, nil, now)
	decided := Importance(frameAt(now.Add(-time.Hour)),
		[]*types.Event{{Type: types.EventToolCall}},
		[]*types.Anchor{{Type: types.AnchorDecision}}, now)

	assert.Less(t, short, decided)
}
