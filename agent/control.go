package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/agentwire/transport"
)

// Control surface commands, sent as plain-text payloads to the
// signal/<agent-id> responder.
const (
	ControlAbout    = "about"
	ControlPing     = "ping"
	ControlShutdown = "shutdown"
)

// ControlTopic returns the control topic for an agent id, without the
// deployment prefix.
func ControlTopic(agentID string) string {
	return "signal/" + agentID
}

// registerControl wires the built-in control responder. It activates at
// StateInactive, so a stopped agent still answers about and shutdown.
func (a *Agent[P]) registerControl() error {
	_, err := a.NewQueryable().
		WithName("control").
		WithTopic(ControlTopic(a.id)).
		WithActivationState(StateInactive).
		WithCallback(a.handleControl).
		Add()
	return err
}

func (a *Agent[P]) handleControl(ctx context.Context, _ *Context[P], req transport.Message) ([]byte, error) {
	cmd := strings.ToLower(strings.TrimSpace(string(req.Payload)))
	switch cmd {
	case ControlAbout:
		return json.Marshal(a.Snapshot())
	case ControlPing:
		return []byte("pong"), nil
	case ControlShutdown:
		// ack first; the shutdown would otherwise tear down the
		// responder before the reply is on the wire
		go func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracePeriod)
			defer cancel()
			_ = a.Shutdown(shutdownCtx)
		}()
		return []byte("shutting down"), nil
	default:
		return nil, fmt.Errorf("unknown control command %q", cmd)
	}
}
