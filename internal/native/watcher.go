package native

import (
	"sort"

	"go.uber.org/zap"

	"github.com/aferraz/cmsync/internal/store"
)

// snapshot is the last-observed state of the native store. In-memory only:
// it is rebuilt from scratch on restart and a missed window is reconciled
// by the external full resync.
type snapshot struct {
	messages map[store.MessageKind]map[int64]MessageMeta
	threads  map[int64]bool
}

// Watcher turns generic change signals into typed, ordered events by
// diffing snapshots. Poll must only ever run on the serialized sync
// worker; Notify is safe from any goroutine.
type Watcher struct {
	provider Provider
	emit     func(Event)
	logger   *zap.Logger

	prev   *snapshot
	signal chan struct{}
}

// NewWatcher creates a watcher. emit receives events one at a time, in
// derivation order, from within Poll.
func NewWatcher(provider Provider, emit func(Event), logger *zap.Logger) *Watcher {
	return &Watcher{
		provider: provider,
		emit:     emit,
		logger:   logger,
		signal:   make(chan struct{}, 1),
	}
}

// Notify records that the native store changed in some unspecified way.
// Signals coalesce: the single-slot channel means a burst of notifications
// results in at least one poll covering all of them.
func (w *Watcher) Notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Signal exposes the change-signal channel for the daemon's drain loop.
func (w *Watcher) Signal() <-chan struct{} {
	return w.signal
}

// Poll re-reads the native store, diffs against the previous snapshot and
// emits one event per derived change. On any read failure the previous
// snapshot is retained unchanged so the next cycle re-derives the same
// deltas instead of producing phantom events.
func (w *Watcher) Poll() {
	cur, err := w.read()
	if err != nil {
		w.logger.Error("native snapshot failed, keeping previous", zap.Error(err))
		return
	}

	if w.prev == nil {
		// First poll establishes the baseline. Anything that happened
		// before the daemon started belongs to the full resync.
		w.prev = cur
		return
	}

	events, err := w.diff(w.prev, cur)
	if err != nil {
		w.logger.Error("native diff failed, keeping previous snapshot", zap.Error(err))
		return
	}

	w.prev = cur
	for _, evt := range events {
		w.emit(evt)
	}
}

func (w *Watcher) read() (*snapshot, error) {
	s := &snapshot{
		messages: make(map[store.MessageKind]map[int64]MessageMeta, len(watchedKinds)),
	}
	for _, kind := range watchedKinds {
		metas, err := w.provider.ListMessages(kind)
		if err != nil {
			return nil, err
		}
		s.messages[kind] = metas
	}
	threads, err := w.provider.ListThreads()
	if err != nil {
		return nil, err
	}
	s.threads = threads
	return s, nil
}

// diff derives events without mutating watcher state; the caller swaps the
// snapshot only once every needed row read has succeeded.
func (w *Watcher) diff(prev, cur *snapshot) ([]Event, error) {
	var events []Event

	// Removed threads first: their member rows vanish with them, and the
	// conversation-level event subsumes the per-row deletions.
	deletedThreads := make(map[int64]bool)
	for tid := range prev.threads {
		if _, ok := cur.threads[tid]; !ok {
			deletedThreads[tid] = true
		}
	}
	for _, tid := range sortedThreadIDs(deletedThreads) {
		events = append(events, ConversationDeleted{
			ThreadID: tid,
			Messages: membersOf(prev, tid),
		})
	}

	// readThreads tracks threads where at least one per-row read flip was
	// identified, so the aggregate flip is not double-reported.
	readFlipThreads := make(map[int64]bool)

	for _, kind := range watchedKinds {
		prevSet := prev.messages[kind]
		curSet := cur.messages[kind]

		// New rows. A single notification usually carries one insert, but
		// coalesced notifications are handled the same way: every added id
		// is reported individually, in enumeration order.
		for _, id := range sortedAdded(prevSet, curSet) {
			row, err := w.provider.ReadMessage(kind, id)
			if err != nil {
				return nil, err
			}
			if row == nil {
				// Appeared and disappeared between list and read; the next
				// poll will report the deletion.
				continue
			}
			if row.Incoming {
				events = append(events, IncomingMessage{Row: row})
			} else {
				events = append(events, OutgoingMessage{Row: row})
			}
		}

		// Removed rows, unless their whole thread went away.
		for _, id := range sortedAdded(curSet, prevSet) {
			meta := prevSet[id]
			if deletedThreads[meta.ThreadID] {
				continue
			}
			events = append(events, MessageDeleted{
				Ref:      MessageRef{Kind: kind, ID: id},
				ThreadID: meta.ThreadID,
			})
		}

		// Rows present in both: state and read-flag changes.
		for _, id := range sortedCommon(prevSet, curSet) {
			pm, cm := prevSet[id], curSet[id]
			if pm.State != cm.State {
				row, err := w.provider.ReadMessage(kind, id)
				if err != nil {
					return nil, err
				}
				if row != nil {
					events = append(events, StatusChanged{Row: row})
				}
			}
			if !pm.Read && cm.Read {
				events = append(events, MessageRead{
					Ref:      MessageRef{Kind: kind, ID: id},
					ThreadID: cm.ThreadID,
				})
				readFlipThreads[cm.ThreadID] = true
			}
		}
	}

	// Aggregate read flips with no identifiable per-row change: batch read.
	batchRead := make(map[int64]bool)
	for tid, curRead := range cur.threads {
		prevRead, existed := prev.threads[tid]
		if existed && !prevRead && curRead && !readFlipThreads[tid] {
			batchRead[tid] = true
		}
	}
	for _, tid := range sortedThreadIDs(batchRead) {
		refs := unreadMembersOf(prev, tid)
		if len(refs) == 0 {
			continue
		}
		events = append(events, ConversationRead{ThreadID: tid, Messages: refs})
	}

	return events, nil
}

func membersOf(s *snapshot, threadID int64) []MessageRef {
	var refs []MessageRef
	for _, kind := range watchedKinds {
		for _, id := range sortedIDs(s.messages[kind]) {
			if s.messages[kind][id].ThreadID == threadID {
				refs = append(refs, MessageRef{Kind: kind, ID: id})
			}
		}
	}
	return refs
}

func unreadMembersOf(s *snapshot, threadID int64) []MessageRef {
	var refs []MessageRef
	for _, kind := range watchedKinds {
		for _, id := range sortedIDs(s.messages[kind]) {
			meta := s.messages[kind][id]
			if meta.ThreadID == threadID && !meta.Read {
				refs = append(refs, MessageRef{Kind: kind, ID: id})
			}
		}
	}
	return refs
}

func sortedIDs(set map[int64]MessageMeta) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedAdded(from, to map[int64]MessageMeta) []int64 {
	var ids []int64
	for id := range to {
		if _, ok := from[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedCommon(a, b map[int64]MessageMeta) []int64 {
	var ids []int64
	for id := range a {
		if _, ok := b[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedThreadIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
