// Package controller defines the pluggable executors that carry a dispatched
// request to an upstream model endpoint.
package controller

import (
	"context"
	"fmt"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/balancer"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/state"
)

// Controller executes one dispatched request against the deployments named
// by its reservations. Implementations must fill the telemetry record's
// deployment name and token counts before returning and must report upstream
// faults as *LLMError.
type Controller interface {
	Process(ctx context.Context, payload any, reserved []balancer.Reservation, rec *state.TelemetryRecord) (any, error)
}

// LLMError marks a fault raised by (or attributed to) an upstream
// deployment. The dispatch loop quarantines the deployment on sight.
type LLMError struct {
	Deployment string
	Message    string
}

func (e *LLMError) Error() string {
	if e.Deployment == "" {
		return e.Message
	}
	return fmt.Sprintf("deployment %s: %s", e.Deployment, e.Message)
}

// EndpointConfig points one deployment id at its concrete HTTP endpoint.
type EndpointConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

func reservationFor(class balancer.Class, reserved []balancer.Reservation) (balancer.Reservation, bool) {
	for _, r := range reserved {
		if r.Class == class {
			return r, true
		}
	}
	return balancer.Reservation{}, false
}
