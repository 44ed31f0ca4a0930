// Package session binds a user to the dataset they are currently working
// with and serialises their questions against it.
//
// Each user has at most one live session. Binding another dataset discards
// the previous session and its in-session records; the ledger keeps history.
// For each (user, dataset) pair one question runs at a time, even across a
// discard and re-bind; later submissions wait in FIFO order, or are refused
// with a Busy error, depending on Policy.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/ledger"
	"github.com/sheetqa/sheetqa/internal/schema"
)

type Policy string

const (
	PolicyQueue  Policy = "queue"
	PolicyReject Policy = "reject"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyQueue, "":
		return PolicyQueue, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unsupported busy policy %q", raw)
	}
}

type Options struct {
	Policy Policy
	// MaxQueue is how many questions may wait behind the running one.
	MaxQueue int
	// IdleTTL discards sessions untouched for this long; 0 keeps them.
	IdleTTL time.Duration
}

func DefaultOptions() Options {
	return Options{Policy: PolicyQueue, MaxQueue: 4, IdleTTL: 2 * time.Hour}
}

type Session struct {
	ID        string
	UserID    string
	DatasetID string
	CreatedAt time.Time

	dataset *dataset.Dataset
	schema  schema.Schema
	clock   clockwork.Clock
	store   *Store

	mu         sync.Mutex
	records    []ledger.QueryRecord
	discarded  bool
	lastActive time.Time
}

func (s *Session) Dataset() *dataset.Dataset { return s.dataset }

// Schema is the live schema of the bound dataset.
func (s *Session) Schema() schema.Schema { return s.schema }

// Records returns a point-in-time copy of the in-session records.
func (s *Session) Records() []ledger.QueryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.QueryRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Append adds a completed record. It reports false when the session was
// discarded while the question was running.
func (s *Session) Append(rec ledger.QueryRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return false
	}
	s.records = append(s.records, rec)
	s.lastActive = s.clock.Now()
	return true
}

func (s *Session) Discarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// Acquire takes the pipeline token of the session's (user, dataset) pair.
// The returned release function hands the token to the next waiter and is
// safe to call twice.
func (s *Session) Acquire(ctx context.Context) (func(), error) {
	s.touch()
	release, err := s.store.acquire(ctx, s.UserID, s.DatasetID)
	if err != nil {
		return nil, err
	}
	return func() {
		release()
		s.touch()
	}, nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) discard() {
	s.mu.Lock()
	s.discarded = true
	s.records = nil
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive) >= ttl
}

func (s *Session) waiting() int {
	s.store.mu.Lock()
	pipe := s.store.pipelines[s.UserID][s.DatasetID]
	s.store.mu.Unlock()
	if pipe == nil {
		return 0
	}
	return pipe.waiting()
}
