package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/schema"
)

// Store holds the live session of every user and the pipeline token of every
// (user, dataset) pair that is bound or still has work in flight. The store
// lock only guards the maps; questions serialise on their pipeline.
type Store struct {
	opts  Options
	clock clockwork.Clock

	mu        sync.Mutex
	sessions  map[string]*Session
	pipelines map[string]map[string]*pipeline
}

func NewStore(opts Options, clock clockwork.Clock) *Store {
	defaults := DefaultOptions()
	if opts.Policy == "" {
		opts.Policy = defaults.Policy
	}
	if opts.MaxQueue < 0 {
		opts.MaxQueue = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		opts:      opts,
		clock:     clock,
		sessions:  map[string]*Session{},
		pipelines: map[string]map[string]*pipeline{},
	}
}

// Bind makes ds the user's current dataset. Binding the dataset that is
// already current returns the existing session; otherwise the previous
// session is discarded. replaced reports whether a session was discarded.
func (st *Store) Bind(userID string, ds *dataset.Dataset, sch schema.Schema) (sess *Session, replaced bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if current, ok := st.sessions[userID]; ok {
		if current.DatasetID == ds.ID {
			return current, false
		}
		current.discard()
		replaced = true
	}
	st.pruneLocked(userID, ds.ID)
	now := st.clock.Now()
	sess = &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		DatasetID:  ds.ID,
		CreatedAt:  now,
		dataset:    ds,
		schema:     sch,
		clock:      st.clock,
		store:      st,
		lastActive: now,
	}
	st.sessions[userID] = sess
	return sess, replaced
}

// Get returns the user's session when it is bound to datasetID.
func (st *Store) Get(userID, datasetID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[userID]
	if !ok || sess.DatasetID != datasetID {
		return nil, false
	}
	return sess, true
}

// Current returns the user's session whatever dataset it is bound to.
func (st *Store) Current(userID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[userID]
	return sess, ok
}

func (st *Store) Discard(userID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[userID]
	if !ok {
		return false
	}
	sess.discard()
	delete(st.sessions, userID)
	st.pruneLocked(userID, "")
	return true
}

func (st *Store) pipelineLocked(userID, datasetID string) *pipeline {
	byDataset, ok := st.pipelines[userID]
	if !ok {
		byDataset = map[string]*pipeline{}
		st.pipelines[userID] = byDataset
	}
	pipe, ok := byDataset[datasetID]
	if !ok {
		pipe = &pipeline{opts: st.opts}
		byDataset[datasetID] = pipe
	}
	return pipe
}

// acquire takes the (user, dataset) token. The pipeline is referenced from
// lookup until release so that pruning cannot replace it in between.
func (st *Store) acquire(ctx context.Context, userID, datasetID string) (func(), error) {
	st.mu.Lock()
	pipe := st.pipelineLocked(userID, datasetID)
	pipe.refs++
	st.mu.Unlock()

	release, err := pipe.acquire(ctx)
	if err != nil {
		st.unref(pipe)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			st.unref(pipe)
		})
	}, nil
}

func (st *Store) unref(pipe *pipeline) {
	st.mu.Lock()
	pipe.refs--
	st.mu.Unlock()
}

// pruneLocked forgets the user's unreferenced pipelines other than keep.
// Referenced ones stay so that a later bind of their dataset waits for the
// running question.
func (st *Store) pruneLocked(userID, keep string) {
	byDataset := st.pipelines[userID]
	for datasetID, pipe := range byDataset {
		if datasetID != keep && pipe.refs == 0 {
			delete(byDataset, datasetID)
		}
	}
	if len(byDataset) == 0 {
		delete(st.pipelines, userID)
	}
}

// pipelineCount is the number of pipeline tokens held for userID.
func (st *Store) pipelineCount(userID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pipelines[userID])
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep discards sessions idle for at least the configured TTL and returns
// how many were removed.
func (st *Store) Sweep() int {
	if st.opts.IdleTTL <= 0 {
		return 0
	}
	now := st.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for userID, sess := range st.sessions {
		if st.pipelines[userID][sess.DatasetID].inUse() {
			continue
		}
		if sess.idleSince(now, st.opts.IdleTTL) {
			sess.discard()
			delete(st.sessions, userID)
			removed++
		}
	}
	for userID := range st.pipelines {
		keep := ""
		if sess, ok := st.sessions[userID]; ok {
			keep = sess.DatasetID
		}
		st.pruneLocked(userID, keep)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (st *Store) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 || st.opts.IdleTTL <= 0 {
		return
	}
	ticker := st.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			removed := st.Sweep()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}
