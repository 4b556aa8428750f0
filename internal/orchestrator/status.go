package orchestrator

import (
	"time"

	"github.com/loykin/booklore-runner/internal/registry"
)

// ProcessStatus describes one supervised child.
type ProcessStatus struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitErr   string    `json:"exit_err,omitempty"`
}

// Status is a point-in-time view of the lifecycle.
type Status struct {
	State          State                    `json:"state"`
	StartedAt      time.Time                `json:"started_at,omitempty"`
	Error          string                   `json:"error,omitempty"`
	ShuttingDown   bool                     `json:"shutting_down"`
	GatewayRunning bool                     `json:"gateway_running"`
	JavaVersion    int                      `json:"java_version,omitempty"`
	Processes      map[string]ProcessStatus `json:"processes"`
	Ports          Ports                    `json:"ports"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		State:        o.state,
		StartedAt:    o.startedAt,
		ShuttingDown: o.shutdown.Load(),
		JavaVersion:  o.runtime.Version,
		Ports:        o.opts.Ports,
		Processes:    make(map[string]ProcessStatus, 2),
	}
	if o.lastErr != nil {
		st.Error = o.lastErr.Error()
	}
	gw := o.gateway
	o.mu.Unlock()

	if gw != nil {
		st.GatewayRunning = gw.Running()
	}
	if o.opts.Registry != nil {
		for _, k := range []registry.Kind{registry.Database, registry.Backend} {
			ps, ok := o.opts.Registry.Status(k)
			if !ok {
				st.Processes[string(k)] = ProcessStatus{}
				continue
			}
			st.Processes[string(k)] = ProcessStatus{
				Running:   ps.Running,
				PID:       ps.PID,
				StartedAt: ps.StartedAt,
				ExitErr:   ps.ExitErr,
			}
		}
	}
	return st
}
