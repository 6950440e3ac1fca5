package incident

type Created struct{ Incident }

func (Created) Name() string { return "incident_created" }

type Confirmed struct {
	Incident
	Reason string `json:"reason"`
}

func (Confirmed) Name() string { return "incident_confirmed" }

type Dismissed struct{ Incident }

func (Dismissed) Name() string { return "incident_dismissed" }

type Escalated struct{ Incident }

func (Escalated) Name() string { return "incident_escalated" }

type Acknowledged struct{ Incident }

func (Acknowledged) Name() string { return "incident_acknowledged" }

type Resolved struct{ Incident }

func (Resolved) Name() string { return "incident_resolved" }

// Updated is emitted when an entry is appended to the incident log without
// a status change.
type Updated struct {
	Incident
	Entry Entry `json:"entry"`
}

func (Updated) Name() string { return "incident_updated" }

// DispatchFailed attaches an exhausted emergency dispatch to the incident.
type DispatchFailed struct {
	Incident
	Error string `json:"error"`
}

func (DispatchFailed) Name() string { return "incident_dispatch_failed" }
