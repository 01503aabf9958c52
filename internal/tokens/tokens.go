// Package tokens estimates token counts for context budgeting.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts the tokens a string would occupy in a model context
type Estimator interface {
	Estimate(text string) int
	Name() string
}

// Heuristic approximates one token per 4 UTF-8 bytes, rounded up. It is the
// default: fast, deterministic and close enough for budget enforcement.
type Heuristic struct{}

// Estimate returns ceil(len(text)/4), with a floor of 1 for non-empty text
func (Heuristic) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Name identifies the estimator in weight-profile metadata
func (Heuristic) Name() string { return "heuristic" }

// Tiktoken counts with a real BPE vocabulary. Loading the encoding pulls
// the vocabulary over the network on first use, so it is opt-in.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (e.g. "cl100k_base")
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("cannot load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Estimate returns the exact BPE token count
func (t *Tiktoken) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Name identifies the estimator in weight-profile metadata
func (t *Tiktoken) Name() string { return "tiktoken" }

// New returns the estimator for a config name, falling back to the
// heuristic when tiktoken cannot load.
func New(name string) Estimator {
	if name == "tiktoken" {
		if enc, err := NewTiktoken("cl100k_base"); err == nil {
			return enc
		}
	}
	return Heuristic{}
}
