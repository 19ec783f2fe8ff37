// Package pool implements BackendSlotPool: the bounded, per-class LRU pool
// of live BackendProcesses that Router acquires and releases around every
// request, grounded on the teacher's scheduler.go for overall shape and on
// dmrlet's manager.go for the concrete running-map-with-mutex pattern.
package pool

import (
	"context"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/backend"
	"github.com/lemonade-sdk/lemonade-router/pkg/catalog"
	"github.com/lemonade-sdk/lemonade-router/pkg/options"
)

// Runner is the subset of backend.Process the pool depends on, narrowed to
// an interface so tests can substitute a fake backend without spawning a
// real subprocess.
type Runner interface {
	Forward(w http.ResponseWriter, r *http.Request) error
	Stop(ctx context.Context, timeout time.Duration) error
	IsAlive() bool
}

var _ Runner = (*backend.Process)(nil)

// State is a slot's position in the Starting→Ready→Busy→Draining→Dead
// lifecycle.
type State string

const (
	StateStarting State = "Starting"
	StateReady    State = "Ready"
	StateBusy     State = "Busy"
	StateDraining State = "Draining"
	StateDead     State = "Dead"
)

// slot is one live (or starting, or draining) backend entry. Its state is
// changed only while the owning Pool holds its mutex; process and port are set
// under that mutex before the slot can be acquired and are read without it
// afterwards. inFlight is updated atomically; ReleaseWithError still takes the
// pool mutex.
type slot struct {
	name      string
	class     catalog.Class
	recipe    options.Recipe
	effective options.RecipeOptions
	mode      backend.Mode
	port      int
	process   Runner

	state      State
	inFlight   int64
	lastUsedAt time.Time
}

func newSlot(name string, class catalog.Class, recipe options.Recipe, mode backend.Mode, effective options.RecipeOptions) *slot {
	return &slot{
		name:      name,
		class:     class,
		recipe:    recipe,
		mode:      mode,
		effective: effective,
		state:     StateStarting,
	}
}

// Info is the read-only snapshot of a slot exposed to callers (Router's
// list_running/stats operations).
type Info struct {
	Name       string
	Class      catalog.Class
	Recipe     options.Recipe
	Port       int
	State      State
	InFlight   int64
	LastUsedAt time.Time
}
