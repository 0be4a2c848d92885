package balancer

import (
	"fmt"
	"math"
	"time"

	"github.com/microsoft/Shiksha-Copilot-sub001/pkg/llmqapi"
)

type Class string

const (
	ClassLLM       Class = "llm"
	ClassEmbedding Class = "embedding"
)

// Reservation names the deployment charged for one class of a request.
type Reservation struct {
	Class        Class
	DeploymentID string
	Units        int64
}

// Checker composes the LLM and embedding balancers under a request's model
// preferences. Reservations are all-or-nothing across the two classes.
type Checker struct {
	llm       *Balancer
	embedding *Balancer
}

func NewChecker(llm, embedding *Balancer) *Checker {
	return &Checker{llm: llm, embedding: embedding}
}

// Validate rejects preferences that no configuration state could ever
// satisfy. It runs once at admission so hopeless requests never occupy queue
// capacity.
func (c *Checker) Validate(prefs llmqapi.ModelPreferences) error {
	if !prefs.RequireLLM && !prefs.RequireEmbedding {
		return fmt.Errorf("request requires neither an LLM nor an embedding model")
	}
	if prefs.RequireLLM {
		if c.llm.Empty() {
			return fmt.Errorf("no LLM deployments configured")
		}
		if prefs.SpecificLLMID != "" && !c.llm.Knows(prefs.SpecificLLMID) {
			return fmt.Errorf("unknown LLM deployment %q", prefs.SpecificLLMID)
		}
	}
	if prefs.RequireEmbedding {
		if c.embedding.Empty() {
			return fmt.Errorf("no embedding deployments configured")
		}
		if prefs.SpecificEmbeddingID != "" && !c.embedding.Knows(prefs.SpecificEmbeddingID) {
			return fmt.Errorf("unknown embedding deployment %q", prefs.SpecificEmbeddingID)
		}
	}
	return nil
}

// TryReserve reserves capacity for every required class or for none. The
// returned reservations must each be settled by RecordUsage or RegisterError.
func (c *Checker) TryReserve(prefs llmqapi.ModelPreferences) ([]Reservation, bool) {
	llmUnits := callUnits(prefs.LLMCallsPerReq)
	embUnits := callUnits(prefs.EmbeddingCallsPerReq)

	if prefs.RequireLLM && !c.llm.HasAvailable(prefs.SpecificLLMID, llmUnits) {
		return nil, false
	}
	if prefs.RequireEmbedding && !c.embedding.HasAvailable(prefs.SpecificEmbeddingID, embUnits) {
		return nil, false
	}

	var out []Reservation
	if prefs.RequireLLM {
		id, ok := c.llm.Reserve(llmUnits, prefs.SpecificLLMID)
		if !ok {
			return nil, false
		}
		out = append(out, Reservation{Class: ClassLLM, DeploymentID: id, Units: llmUnits})
	}
	if prefs.RequireEmbedding {
		id, ok := c.embedding.Reserve(embUnits, prefs.SpecificEmbeddingID)
		if !ok {
			for _, r := range out {
				c.unreserve(r)
			}
			return nil, false
		}
		out = append(out, Reservation{Class: ClassEmbedding, DeploymentID: id, Units: embUnits})
	}
	return out, true
}

// unreserve returns the request units of a reservation that will never run.
func (c *Checker) unreserve(r Reservation) {
	switch r.Class {
	case ClassLLM:
		c.llm.Unreserve(r.DeploymentID, r.Units)
	case ClassEmbedding:
		c.embedding.Unreserve(r.DeploymentID, r.Units)
	}
}

// RecordUsage settles one reservation with observed token counts. Negative
// counts mean the stage never produced usage and charge nothing.
func (c *Checker) RecordUsage(r Reservation, promptTokens, completionTokens, embeddingTokens int64) {
	switch r.Class {
	case ClassLLM:
		c.llm.RecordUsage(r.DeploymentID, clampTokens(promptTokens)+clampTokens(completionTokens))
	case ClassEmbedding:
		c.embedding.RecordUsage(r.DeploymentID, clampTokens(embeddingTokens))
	}
}

// RegisterError quarantines the deployment behind one reservation.
func (c *Checker) RegisterError(r Reservation) {
	switch r.Class {
	case ClassLLM:
		c.llm.RegisterError(r.DeploymentID)
	case ClassEmbedding:
		c.embedding.RegisterError(r.DeploymentID)
	}
}

// NextWake folds both balancers' wake hints for the dispatcher's idle timer.
func (c *Checker) NextWake(now time.Time) time.Time {
	a := c.llm.NextWake(now)
	b := c.embedding.NextWake(now)
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

// callUnits converts a possibly fractional calls-per-request figure into the
// integer request units charged on reservation. Token accounting trues up the
// real cost afterwards.
func callUnits(calls float64) int64 {
	if calls <= 0 {
		return 1
	}
	return int64(math.Ceil(calls))
}

func clampTokens(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
