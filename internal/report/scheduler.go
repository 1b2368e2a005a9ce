package report

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/bus"
	"github.com/aferraz/cmsync/internal/ledger"
)

// Runner serializes flush execution onto the sync worker so report
// building never interleaves with ledger mutations.
type Runner interface {
	Do(fn func())
}

// Scheduler debounces read/delete reporting per conversation and sends one
// aggregated flag document per burst, session first, store command as
// fallback.
type Scheduler struct {
	ledger   *ledger.Ledger
	session  Transport
	fallback Transport
	runner   Runner
	bus      *bus.Bus
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewScheduler creates a flag reporting scheduler.
func NewScheduler(led *ledger.Ledger, session, fallback Transport, runner Runner, b *bus.Bus, debounce time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ledger:   led,
		session:  session,
		fallback: fallback,
		runner:   runner,
		bus:      b,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule queues a deferred report for the folder. A pending timer is
// superseded, never dropped: rescheduling means "fire later with more
// data".
func (s *Scheduler) Schedule(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[folder]; ok {
		t.Reset(s.debounce)
		return
	}
	s.timers[folder] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, folder)
		s.mu.Unlock()
		s.runner.Do(func() { s.Flush(folder) })
	})
}

// Stop cancels all pending timers. Unreported entries stay REQUESTED in
// the ledger and are picked up on the next daemon run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for folder, t := range s.timers {
		t.Stop()
		delete(s.timers, folder)
	}
}

// Flush builds and transmits one report for the folder. It runs as three
// short ledger interactions (snapshot, transmit, mark) so a slow network
// call never holds a ledger transaction open. Entries that become pending
// after the snapshot are left for the next cycle.
func (s *Scheduler) Flush(folder string) {
	pending, err := s.ledger.ListPendingReport(folder)
	if err != nil {
		s.logger.Error("list pending report failed", zap.String("folder", folder), zap.Error(err))
		return
	}

	doc, seenIDs, deletedIDs := Build(folder, pending)
	if doc.Empty() {
		return
	}
	payload, err := doc.Encode()
	if err != nil {
		s.logger.Error("encode flag document failed", zap.String("folder", folder), zap.Error(err))
		return
	}

	if err := s.transmit(folder, payload); err != nil {
		// Retryable: ledger state untouched, the next scheduled or
		// externally triggered cycle repeats the report.
		s.logger.Warn("flag report transmission failed",
			zap.String("folder", folder), zap.Int("entries", len(doc.Entries)), zap.Error(err))
		return
	}

	if err := s.ledger.MarkReported(seenIDs, ledger.ReportRead); err != nil {
		s.logger.Error("mark read reported failed", zap.String("folder", folder), zap.Error(err))
		return
	}
	if err := s.ledger.MarkReported(deletedIDs, ledger.ReportDelete); err != nil {
		s.logger.Error("mark delete reported failed", zap.String("folder", folder), zap.Error(err))
		return
	}

	s.bus.Publish(bus.Event{
		Kind:      bus.KindReportSent,
		Timestamp: time.Now(),
		Payload:   map[string]int{"seen": len(seenIDs), "deleted": len(deletedIDs)},
	})
}

// transmit tries the in-session channel first and downgrades to the store
// command on any failure.
func (s *Scheduler) transmit(folder string, payload []byte) error {
	if s.session != nil {
		if err := s.session.Send(folder, payload); err == nil {
			return nil
		} else if err != ErrUnavailable {
			s.logger.Info("session transport failed, falling back",
				zap.String("folder", folder), zap.Error(err))
		}
	}
	return s.fallback.Send(folder, payload)
}
