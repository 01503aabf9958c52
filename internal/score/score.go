// Package score computes frame importance. The scorer is a pure function of
// the frame's history; the same events and anchors always yield the same
// score.
package score

import (
	"encoding/json"
	"time"

	"github.com/stackmemory/stackmemory/internal/types"
)

// Signal weights. Manually pinned constraints and interface contracts
// outweigh decisions; routine tool traffic barely registers.
const (
	weightDecision      = 10
	weightConstraint    = 15
	weightUnresolvedErr = 5
	weightToolCall      = 1
	weightActivity      = 2
	penaltyShortFrame   = 3

	shortFrameWindow = 30 * time.Second
)

// Importance scores a frame from its frozen history. closedAt is the close
// timestamp used for the short-frame penalty. The result is non-negative.
func Importance(frame *types.Frame, events []*types.Event, anchors []*types.Anchor, closedAt time.Time) int {
	score := 0

	for _, anchor := range anchors {
		switch anchor.Type {
		case types.AnchorDecision:
			score += weightDecision
		case types.AnchorConstraint, types.AnchorInterfaceContract:
			score += weightConstraint
		}
	}

	for _, event := range events {
		switch event.Type {
		case types.EventToolCall:
			score += weightToolCall
		case types.EventError:
			if !ErrorResolved(event) {
				score += weightUnresolvedErr
			}
		}
	}

	if len(events) > 0 {
		score += weightActivity
	}

	if closedAt.Sub(frame.CreatedAt) < shortFrameWindow && len(events) <= 1 {
		score -= penaltyShortFrame
	}

	if score < 0 {
		return 0
	}
	return score
}

// ErrorResolved reports whether an error event was marked resolved before
// the frame closed. Callers record resolution by setting "resolved": true
// in the error payload.
func ErrorResolved(event *types.Event) bool {
	if event.Type != types.EventError || len(event.Payload) == 0 {
		return false
	}
	var body struct {
		Resolved bool `json:"resolved"`
	}
	if err := json.Unmarshal(event.Payload, &body); err != nil {
		return false
	}
	return body.Resolved
}

// UnresolvedErrors counts error events not marked resolved
func UnresolvedErrors(events []*types.Event) int {
	n := 0
	for _, event := range events {
		if event.Type == types.EventError && !ErrorResolved(event) {
			n++
		}
	}
	return n
}
