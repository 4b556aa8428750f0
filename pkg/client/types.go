package client

import "time"

// ProcessStatus is one supervised child as reported by /status.
type ProcessStatus struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitErr   string    `json:"exit_err,omitempty"`
}

type Ports struct {
	Gateway  int `json:"gateway"`
	Backend  int `json:"backend"`
	Database int `json:"database"`
}

// Status mirrors the launcher lifecycle snapshot.
type Status struct {
	State          string                   `json:"state"`
	StartedAt      time.Time                `json:"started_at,omitempty"`
	Error          string                   `json:"error,omitempty"`
	ShuttingDown   bool                     `json:"shutting_down"`
	GatewayRunning bool                     `json:"gateway_running"`
	JavaVersion    int                      `json:"java_version,omitempty"`
	Processes      map[string]ProcessStatus `json:"processes"`
	Ports          Ports                    `json:"ports"`
}

// Event is one startup or shutdown stage update.
type Event struct {
	Seq      uint64    `json:"seq"`
	Phase    string    `json:"phase"`
	Stage    string    `json:"stage"`
	State    string    `json:"state"`
	Message  string    `json:"message"`
	Progress int       `json:"progress"`
	At       time.Time `json:"at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
