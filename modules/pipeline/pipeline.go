// Package pipeline composes the protection layers in front of a handler.
//
// Layers always run in stage order, outermost first:
//
//	monitor → accounting → admission → authorization → capability check → handler
//
// A composition only chooses which stages take part, never their order.
package pipeline

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
)

type Stage int

const (
	StageMonitor Stage = iota
	StageAccounting
	StageAdmission
	StageAuthorization
	StageCapabilityCheck
)

func (s Stage) String() string {
	switch s {
	case StageMonitor:
		return "monitor"
	case StageAccounting:
		return "accounting"
	case StageAdmission:
		return "admission"
	case StageAuthorization:
		return "authorization"
	case StageCapabilityCheck:
		return "capability_check"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Layer is one protection layer of a chain.
type Layer interface {
	Stage() Stage
	Wrap(next http.Handler) http.Handler
}

type layer struct {
	stage Stage
	wrap  func(http.Handler) http.Handler
}

func (l layer) Stage() Stage                        { return l.stage }
func (l layer) Wrap(next http.Handler) http.Handler { return l.wrap(next) }

// NewLayer turns a plain middleware into a layer of the given stage.
func NewLayer(stage Stage, mw func(http.Handler) http.Handler) Layer {
	return layer{stage: stage, wrap: mw}
}

// Chain is a list of layers sorted by stage.
type Chain []Layer

// NewChain sorts layers by stage. Two layers of the same stage are an error.
func NewChain(layers ...Layer) (Chain, error) {
	c := make(Chain, 0, len(layers))
	for _, l := range layers {
		if l != nil {
			c = append(c, l)
		}
	}
	slices.SortStableFunc(c, func(a, b Layer) int { return cmp.Compare(a.Stage(), b.Stage()) })
	for i := 1; i < len(c); i++ {
		if c[i].Stage() == c[i-1].Stage() {
			return nil, fmt.Errorf("pipeline: duplicate %s layer", c[i].Stage())
		}
	}
	return c, nil
}

func MustChain(layers ...Layer) Chain {
	c, err := NewChain(layers...)
	if err != nil {
		panic(err)
	}
	return c
}

// Then wraps h so the first layer of the chain is the outermost.
func (c Chain) Then(h http.Handler) http.Handler {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i].Wrap(h)
	}
	return h
}

func (c Chain) Stages() []Stage {
	out := make([]Stage, len(c))
	for i, l := range c {
		out[i] = l.Stage()
	}
	return out
}
