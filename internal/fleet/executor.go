package fleet

import (
	"context"
	"errors"

	"fleet-governor/internal/model"
)

var ErrUnsupported = errors.New("operation not supported by this executor")

const (
	PhaseOpen  = "open"
	PhaseClose = "close"
)

type DeactivatePolicy string

const (
	PolicyGraceful DeactivatePolicy = "graceful"
	PolicyForce    DeactivatePolicy = "force"
)

type DeactivateOptions struct {
	Reason string
	Policy DeactivatePolicy
}

// Executor brings workers up and down and reports what it did. Implementations
// emit "open.*" and "close.*" lifecycle events for every action they take.
type Executor interface {
	ActivateOnce(ctx context.Context, target string) error
	Deactivate(ctx context.Context, target string, opts DeactivateOptions) error
	Active() []string
	WorkerCPU() map[string]float64
	Events() <-chan model.LifecycleEvent
}
