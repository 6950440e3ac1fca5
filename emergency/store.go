package emergency

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrUnknownRequest = errors.New("unknown dispatch request")
	ErrInFlight       = errors.New("dispatch request is still pending")
)

// Store keeps dispatch requests by dedupe key.
type Store interface {
	// Claim stores req if no request with the same key exists. Otherwise it
	// returns the existing one and false.
	Claim(ctx context.Context, req Request) (Request, bool, error)
	// Reclaim moves a settled request back to pending for a new attempt.
	Reclaim(ctx context.Context, key, operator string, at time.Time) (Request, error)
	Save(ctx context.Context, req Request) error
	Get(ctx context.Context, key string) (Request, bool, error)
}

type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: map[string]Request{}}
}

func (s *MemoryStore) Claim(_ context.Context, req Request) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.requests[req.Key]; ok {
		return existing, false, nil
	}
	s.requests[req.Key] = req
	return req, true, nil
}

func (s *MemoryStore) Reclaim(_ context.Context, key, operator string, at time.Time) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[key]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	if req.Status == StatusPending {
		return req, ErrInFlight
	}
	req = reclaimed(req, operator, at)
	s.requests[key] = req
	return req, nil
}

func (s *MemoryStore) Save(_ context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.Key] = req
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[key]
	return req, ok, nil
}

func reclaimed(req Request, operator string, at time.Time) Request {
	req.Status = StatusPending
	req.Operator = operator
	req.Error = ""
	req.UpdatedAt = at
	return req
}
