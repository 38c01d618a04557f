// Package livestate implements the process-wide Live-State Publisher
// (spec §4.5): a thread-safe snapshot of the most recent utterance plus
// live status flags, with a monotonic seq bumped exactly once per
// finalized utterance and a wait_next for pollers/streams to observe
// progress exactly once per utterance.
package livestate

import (
	"sync"
	"time"

	"github.com/jarvin-ai/listener/internal/syncx"
)

// Snapshot is the process-wide singleton's published state (spec's
// "LiveSnapshot"). A consistent copy is always returned to callers.
type Snapshot struct {
	Seq        uint64
	Ts         time.Time
	Transcript string
	HasText    bool
	Reply      string
	HasReply   bool
	UtterMs    int
	HasUtterMs bool
	CycleMs    int
	HasCycleMs bool
	WavPath    string
	TTSUrl     string
	Recording  bool
	Processing bool
}

// SnapshotFields is the argument to PublishSnapshot. Transcript, Reply,
// UtterMs and CycleMs are always published as present, even when zero or
// empty; an empty WavPath or TTSUrl is published as absent.
type SnapshotFields struct {
	Transcript string
	Reply      string
	UtterMs    int
	CycleMs    int
	WavPath    string
	TTSUrl     string
}

// StatusFields is the argument to PublishStatus; nil fields are left
// unchanged.
type StatusFields struct {
	Recording  *bool
	Processing *bool
}

// Publisher guards Snapshot with syncx.RWGuard for lock-free-relative-to-
// each-other reads, paired with a sync.Cond for wait_next wake-ups —
// correctness of the consistent-copy view takes precedence over reader
// parallelism, per spec §4.5's concurrency rule.
type Publisher struct {
	guard   *syncx.RWGuard[Snapshot]
	condMu  sync.Mutex
	cond    *sync.Cond
	version uint64
}

// New constructs an empty Publisher; recording/processing both start false.
func New() *Publisher {
	p := &Publisher{guard: syncx.NewGuard(Snapshot{})}
	p.cond = sync.NewCond(&p.condMu)
	return p
}

// PublishSnapshot atomically replaces the finalized-utterance fields, sets
// ts, increments seq exactly once, and wakes all waiters. Must be called at
// most once per finalized utterance cycle (LS-I1).
func (p *Publisher) PublishSnapshot(f SnapshotFields) {
	p.guard.Write(func(s *Snapshot) {
		s.Transcript, s.HasText = f.Transcript, true
		s.Reply, s.HasReply = f.Reply, true
		s.UtterMs, s.HasUtterMs = f.UtterMs, true
		s.CycleMs, s.HasCycleMs = f.CycleMs, true
		s.WavPath = f.WavPath
		s.TTSUrl = f.TTSUrl
		s.Ts = time.Now()
		s.Seq++
	})
	p.wake()
}

// PublishStatus atomically updates the provided status flag(s), sets ts,
// and wakes waiters. Never changes seq (LS-I2).
func (p *Publisher) PublishStatus(f StatusFields) {
	if f.Recording == nil && f.Processing == nil {
		return
	}
	p.guard.Write(func(s *Snapshot) {
		if f.Recording != nil {
			s.Recording = *f.Recording
		}
		if f.Processing != nil {
			s.Processing = *f.Processing
		}
		s.Ts = time.Now()
	})
	p.wake()
}

// Snapshot returns a consistent copy of the current state.
func (p *Publisher) Snapshot() Snapshot {
	return p.guard.Get()
}

// WaitNext blocks until current_seq > since, any status flip occurs, or
// timeout elapses, then returns the current snapshot. since == nil returns
// immediately with the current state.
//
// A wake is forced at the deadline by having a timer goroutine grab the
// cond's lock and broadcast; this avoids leaking a Wait()-blocked goroutine
// past the timeout, since sync.Cond has no native deadline support.
func (p *Publisher) WaitNext(since *uint64, timeout *time.Duration) Snapshot {
	if since == nil {
		return p.Snapshot()
	}

	p.condMu.Lock()
	defer p.condMu.Unlock()

	// The seq check and recording startVersion must happen under condMu:
	// wake() also takes condMu to bump version, so holding it here closes
	// the gap where a publish could complete (and broadcast) between an
	// unlocked check and this goroutine starting to wait, which would
	// otherwise strand the waiter on a signal that already fired.
	if p.Snapshot().Seq > *since {
		return p.Snapshot()
	}

	startVersion := p.version
	timedOut := false

	if timeout != nil {
		timer := time.AfterFunc(*timeout, func() {
			p.condMu.Lock()
			timedOut = true
			p.condMu.Unlock()
			p.cond.Broadcast()
		})
		defer timer.Stop()
	}

	for p.version == startVersion && !timedOut {
		p.cond.Wait()
	}
	return p.Snapshot()
}

func (p *Publisher) wake() {
	p.condMu.Lock()
	p.version++
	p.condMu.Unlock()
	p.cond.Broadcast()
}
