package premises

import "time"

// ArmCommand, DisarmCommand and BypassCommand are the operator commands as
// they arrive from an operator interface.
type ArmCommand struct {
	ProfileID string `json:"profile_id"`
	Code      string `json:"code"`
}

type DisarmCommand struct {
	Code string `json:"code"`
}

type BypassCommand struct {
	SensorID        string `json:"sensor_id"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason,omitempty"`
}

func (c BypassCommand) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

type PanicCommand struct {
	Source string `json:"source"`
	Silent bool   `json:"silent"`
}

type ResolveCommand struct {
	IncidentID string `json:"incident_id"`
	Notes      string `json:"notes"`
	Resolver   string `json:"resolver"`
}

type AcknowledgeCommand struct {
	IncidentID string `json:"incident_id"`
	By         string `json:"by"`
}
