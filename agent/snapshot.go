package agent

import "time"

// PrimitiveSnapshot 单个原语的状态快照
type PrimitiveSnapshot struct {
	Name            string `json:"name"`
	Kind            Kind   `json:"kind"`
	Topic           string `json:"topic"`
	State           string `json:"state"`
	ActivationState string `json:"activation_state"`
	Restarts        uint64 `json:"restarts"`
}

// Snapshot Agent 当前状态的只读快照
type Snapshot struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	State       string              `json:"state"`
	Uptime      time.Duration       `json:"uptime"`
	LastFailure string              `json:"last_failure,omitempty"`
	Primitives  []PrimitiveSnapshot `json:"primitives"`
}

// Snapshot returns a point-in-time view of the agent and its registered
// primitives. It is safe to call from any goroutine and never blocks on
// a transition.
func (a *Agent[P]) Snapshot() Snapshot {
	prims := a.ctx.primitives()
	out := Snapshot{
		ID:          a.id,
		Name:        a.cfg.Name,
		State:       a.State().String(),
		LastFailure: a.LastFailure(),
		Primitives:  make([]PrimitiveSnapshot, 0, len(prims)),
	}
	if ns := a.startedAt.Load(); a.State() == StateActive && ns != 0 {
		out.Uptime = time.Since(time.Unix(0, ns))
	}
	for _, p := range prims {
		out.Primitives = append(out.Primitives, PrimitiveSnapshot{
			Name:            p.Name(),
			Kind:            p.Kind(),
			Topic:           p.Topic(),
			State:           p.State().String(),
			ActivationState: p.ActivationState().String(),
			Restarts:        p.Restarts(),
		})
	}
	return out
}
