package event

import "sync"

// Recorder keeps every event it handles. Useful in tests and for the status
// page's recent activity list.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewRecorder returns a recorder keeping at most limit events, or all of them
// if limit is zero.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Names() []string {
	var names []string
	for _, ev := range r.Events() {
		names = append(names, ev.Name())
	}
	return names
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Filter returns the recorded events of type T, in order.
func Filter[T Event](r *Recorder) []T {
	var result []T
	for _, ev := range r.Events() {
		if t, ok := ev.(T); ok {
			result = append(result, t)
		}
	}
	return result
}
