package zone

import "time"

// Event is a normalized, qualifying zone event.
type Event struct {
	SensorID  string    `json:"sensor_id"`
	ZoneID    string    `json:"zone_id"`
	Kind      Kind      `json:"kind"`
	Sequence  uint64    `json:"sequence"`
	At        time.Time `json:"at"`
	EntryPath bool      `json:"entry_path"`
	Occupied  bool      `json:"occupied"`
}

func (Event) Name() string { return "zone_event" }

// ReadingRecorded is published for every reading that was not stale.
type ReadingRecorded struct {
	Reading Reading `json:"reading"`
	Outcome Outcome `json:"outcome"`
}

func (ReadingRecorded) Name() string { return "reading_recorded" }

type BypassSet struct {
	BypassEntry
}

func (BypassSet) Name() string { return "bypass_set" }

type BypassCleared struct {
	SensorID string    `json:"sensor_id"`
	Expired  bool      `json:"expired"`
	At       time.Time `json:"at"`
}

func (BypassCleared) Name() string { return "bypass_cleared" }
