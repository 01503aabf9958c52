// Package digest builds the deterministic structured summary produced when
// a frame closes. The same event and anchor history always yields the same
// digest, byte for byte once serialized.
package digest

import (
	"encoding/json"
	"sort"

	"github.com/stackmemory/stackmemory/internal/score"
	"github.com/stackmemory/stackmemory/internal/types"
)

// maxDecisions bounds how many DECISION anchors are copied into the digest
const maxDecisions = 10

// toolPayload is the subset of tool_call payloads the digest reads
type toolPayload struct {
	Tool      string `json:"tool"`
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

// testPayload is the subset of payloads carrying test outcomes
type testPayload struct {
	TestsPassed *int `json:"tests_passed"`
	TestsFailed *int `json:"tests_failed"`
}

// Build produces the digest for a closed frame from its frozen history.
// summary is the optional caller-provided text passed to close_frame.
func Build(events []*types.Event, anchors []*types.Anchor, summary string) *types.Digest {
	d := &types.Digest{Summary: summary}

	seen := make(map[string]bool)
	for _, event := range events {
		switch event.Type {
		case types.EventToolCall:
			d.ToolCallCount++
			if change, ok := fileChange(event, seen); ok {
				d.FilesModified = append(d.FilesModified, change)
			}
		}
		if passed, failed, ok := testCounts(event); ok {
			d.TestsPassed += passed
			d.TestsFailed += failed
		}
	}
	d.UnresolvedErrors = score.UnresolvedErrors(events)

	for _, anchor := range sortedAnchors(anchors) {
		switch anchor.Type {
		case types.AnchorDecision:
			if len(d.Decisions) < maxDecisions {
				d.Decisions = append(d.Decisions, anchor.Text)
			}
		case types.AnchorRisk:
			d.Risks = append(d.Risks, anchor.Text)
		}
	}

	d.Status = inferStatus(d)
	d.NextStepHint = hintFor(d.Status)
	return d
}

// fileChange extracts a file modification from a tool_call payload. The
// operation is taken verbatim when present; otherwise the first write to a
// path counts as create and later writes as modify.
func fileChange(event *types.Event, seen map[string]bool) (types.FileChange, bool) {
	if len(event.Payload) == 0 {
		return types.FileChange{}, false
	}
	var body toolPayload
	if err := json.Unmarshal(event.Payload, &body); err != nil || body.Path == "" {
		return types.FileChange{}, false
	}

	op := body.Operation
	if op == "" {
		switch body.Tool {
		case "Write", "Create":
			op = "create"
			if seen[body.Path] {
				op = "modify"
			}
		case "Edit", "Patch":
			op = "modify"
		case "Delete", "Remove":
			op = "delete"
		default:
			return types.FileChange{}, false
		}
	}
	seen[body.Path] = true
	return types.FileChange{Path: body.Path, Operation: op}, true
}

func testCounts(event *types.Event) (passed, failed int, ok bool) {
	if len(event.Payload) == 0 {
		return 0, 0, false
	}
	var body testPayload
	if err := json.Unmarshal(event.Payload, &body); err != nil {
		return 0, 0, false
	}
	if body.TestsPassed == nil && body.TestsFailed == nil {
		return 0, 0, false
	}
	if body.TestsPassed != nil {
		passed = *body.TestsPassed
	}
	if body.TestsFailed != nil {
		failed = *body.TestsFailed
	}
	return passed, failed, true
}

// sortedAnchors orders anchors by creation time then id so the digest does
// not depend on listing order
func sortedAnchors(anchors []*types.Anchor) []*types.Anchor {
	out := make([]*types.Anchor, len(anchors))
	copy(out, anchors)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// inferStatus classifies how the frame ended. Unresolved errors or failing
// tests mean failure; modified files with passing tests mean success;
// modified files without test evidence mean partial; anything else is still
// in flight.
func inferStatus(d *types.Digest) types.DigestStatus {
	switch {
	case d.UnresolvedErrors > 0 || d.TestsFailed > 0:
		return types.DigestFailure
	case len(d.FilesModified) > 0 && d.TestsPassed > 0:
		return types.DigestSuccess
	case len(d.FilesModified) > 0:
		return types.DigestPartial
	default:
		return types.DigestOngoing
	}
}

func hintFor(status types.DigestStatus) types.NextStepHint {
	switch status {
	case types.DigestSuccess:
		return types.HintCommitAndTest
	case types.DigestFailure:
		return types.HintFixErrors
	case types.DigestPartial:
		return types.HintReviewAndContinue
	default:
		return types.HintCheckStatus
	}
}
