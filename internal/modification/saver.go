package modification

import (
	"context"
	"sync"
	"time"
)

// SnapshotSaver batches original-data writes to a Store.
//
// Put only records the latest snapshot per record and returns at once.
// Run writes pending snapshots at most once per interval. A snapshot may
// therefore be lost if the process dies inside that window; Flush on
// shutdown writes whatever is pending.
type SnapshotSaver struct {
	store    Store
	interval time.Duration
	logger   Logger

	mu      sync.Mutex
	pending map[string]Snapshot
	wake    chan struct{}
}

// NewSnapshotSaver creates a saver writing to store every interval.
func NewSnapshotSaver(store Store, interval time.Duration) *SnapshotSaver {
	return &SnapshotSaver{
		store:    store,
		interval: interval,
		logger:   noopLogger{},
		pending:  make(map[string]Snapshot),
		wake:     make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the saver.
func (s *SnapshotSaver) SetLogger(logger Logger) {
	s.logger = logger
}

// Put schedules original for recordID, replacing any pending snapshot.
func (s *SnapshotSaver) Put(recordID string, original Snapshot) {
	s.mu.Lock()
	s.pending[recordID] = original.Clone()
	s.mu.Unlock()
	s.signal()
}

func (s *SnapshotSaver) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Forget drops any pending snapshot for recordID.
func (s *SnapshotSaver) Forget(recordID string) {
	s.mu.Lock()
	delete(s.pending, recordID)
	s.mu.Unlock()
}

// Pending returns the number of records waiting to be saved.
func (s *SnapshotSaver) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run saves pending snapshots until ctx is cancelled.
func (s *SnapshotSaver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		// Coalesce everything that arrives within one interval.
		if !sleep(ctx, s.interval) {
			return nil
		}

		if err := s.Flush(ctx); err != nil {
			s.logger.Error("saving original data; will retry", "error", err)
			if !sleep(ctx, max(s.interval, time.Second)) {
				return nil
			}
			s.signal()
		}
	}
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Flush writes every pending snapshot now. On failure the snapshots are
// put back unless a newer one arrived meanwhile.
func (s *SnapshotSaver) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]Snapshot)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := s.store.Save(ctx, batch); err != nil {
		s.mu.Lock()
		for id, snap := range batch {
			if _, newer := s.pending[id]; !newer {
				s.pending[id] = snap
			}
		}
		s.mu.Unlock()
		return err
	}

	s.logger.Debug("original data saved", "records", len(batch))
	return nil
}
