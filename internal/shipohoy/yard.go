package shipohoy

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
)

// Yard is the process-wide holder of a runtime backend. It applies the yard
// plan to every container and tracks created containers until they are
// discharged, so anything left behind can be removed at shutdown.
type Yard struct {
	runtime Runtime
	plan    YardPlan

	mu      sync.Mutex
	handles map[string]Handle
}

// Commission creates a new yard with the given plan.
func Commission(plan YardPlan, runtime Runtime) *Yard {
	return &Yard{
		runtime: runtime,
		plan:    plan,
		handles: make(map[string]Handle),
	}
}

// EnsureImage makes the image available locally.
func (y *Yard) EnsureImage(ctx context.Context, image string) error {
	if y == nil || y.runtime == nil {
		return errors.New("yard runtime is required")
	}
	return y.runtime.EnsureImage(ctx, image)
}

// ShipOut creates a container from spec merged with the yard plan.
func (y *Yard) ShipOut(ctx context.Context, spec ContainerSpec) (Handle, error) {
	if y == nil || y.runtime == nil {
		return nil, errors.New("yard runtime is required")
	}
	merged := mergeSpec(spec, y.plan)
	log := pslog.Ctx(ctx).With("container", merged.Name)
	log.Debug("yard ship out start")
	handle, err := y.runtime.Create(ctx, merged)
	if err != nil {
		log.Debug("yard ship out failed", "err", err)
		return nil, err
	}
	y.mu.Lock()
	y.handles[handle.ID()] = handle
	y.mu.Unlock()
	log.Debug("yard ship out ok", "id", handle.ID())
	return handle, nil
}

// Start starts a shipped container.
func (y *Yard) Start(ctx context.Context, handle Handle) error {
	return y.runtime.Start(ctx, handle)
}

// Wait blocks until the container exits.
func (y *Yard) Wait(ctx context.Context, handle Handle) (int, error) {
	return y.runtime.Wait(ctx, handle)
}

// Logs returns the combined output of an exited container.
func (y *Yard) Logs(ctx context.Context, handle Handle) ([]byte, error) {
	return y.runtime.Logs(ctx, handle)
}

// Discharge removes a container. A container that fails to be removed stays
// tracked so DischargeAll can retry it.
func (y *Yard) Discharge(ctx context.Context, handle Handle) error {
	if handle == nil {
		return nil
	}
	log := pslog.Ctx(ctx).With("container", handle.Name(), "id", handle.ID())
	log.Debug("yard discharge start")
	if err := y.runtime.Remove(ctx, handle); err != nil {
		log.Debug("yard discharge failed", "err", err)
		return err
	}
	y.mu.Lock()
	delete(y.handles, handle.ID())
	y.mu.Unlock()
	log.Debug("yard discharge ok")
	return nil
}

// Manifest returns the number of containers created and not yet discharged.
func (y *Yard) Manifest() int {
	y.mu.Lock()
	defer y.mu.Unlock()
	return len(y.handles)
}

// DischargeAll removes every container still tracked by the yard.
func (y *Yard) DischargeAll(ctx context.Context) int {
	log := pslog.Ctx(ctx)
	y.mu.Lock()
	handles := make([]Handle, 0, len(y.handles))
	for _, h := range y.handles {
		handles = append(handles, h)
	}
	y.mu.Unlock()
	if len(handles) == 0 {
		return 0
	}
	log.Info("yard discharge all start", "count", len(handles))
	removed := 0
	for _, h := range handles {
		if err := y.Discharge(ctx, h); err != nil {
			log.Warn("yard discharge all failed", "container", h.Name(), "err", err)
			continue
		}
		removed++
	}
	log.Info("yard discharge all ok", "removed", removed)
	return removed
}

// Janitor prunes managed containers left over from earlier processes.
func (y *Yard) Janitor(ctx context.Context, spec JanitorSpec) (int, error) {
	return y.runtime.Janitor(ctx, spec)
}
