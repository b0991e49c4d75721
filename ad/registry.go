package ad

// Per-goroutine recorder registry. A recording session is bound to the
// goroutine that started it (spec.md §5: "a recording session is bound
// to the thread that started it"). The default fast path is a single
// global slot, the way the teacher library keeps one global `tape`
// until a program opts into multi-threaded inference. Calling
// ParallelMode switches to a goroutine-keyed map, adapted directly from
// the teacher's ad/gls.go (mtStore, keyed by a goroutine id from
// modern-go/gls) — there is no corresponding "turn it back off", for the
// same reason the teacher gives: once recordings may be happening on
// several goroutines, it is unsafe to assume they have stopped.

import (
	"sync"
	"sync/atomic"

	"github.com/modern-go/gls"
)

var globalTapeCounter uint64

// nextTapeID bumps the process-wide tape-id counter so that stale
// active scalars from an earlier recording are detectable (spec.md §3,
// Lifecycle).
func nextTapeID() uint64 {
	return atomic.AddUint64(&globalTapeCounter, 1)
}

type recorderSlot struct {
	tapeID uint64
	rec    any // *Recorder[B] for whatever B this goroutine is recording
}

type recorderRegistry struct {
	mu     sync.Mutex
	single recorderSlot
	byGo   map[int64]*recorderSlot
}

var registry = &recorderRegistry{}

var mtSafe int32 // 0 or 1, read with atomic

// ParallelMode makes recording safe across goroutines running
// differentiation concurrently, at the cost of a map lookup (keyed by
// goroutine id) instead of a single global load per access. There is no
// corresponding "turn it back off".
func ParallelMode() {
	if atomic.CompareAndSwapInt32(&mtSafe, 0, 1) {
		registry.mu.Lock()
		registry.byGo = map[int64]*recorderSlot{}
		registry.mu.Unlock()
	}
}

func (reg *recorderRegistry) slot() *recorderSlot {
	if atomic.LoadInt32(&mtSafe) == 0 {
		return &reg.single
	}
	id := gls.GoID()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s, ok := reg.byGo[id]
	if !ok {
		s = &recorderSlot{}
		reg.byGo[id] = s
	}
	return s
}

func (reg *recorderRegistry) drop() {
	if atomic.LoadInt32(&mtSafe) == 0 {
		reg.single = recorderSlot{}
		return
	}
	id := gls.GoID()
	reg.mu.Lock()
	delete(reg.byGo, id)
	reg.mu.Unlock()
}

func setCurrentRecorder[B Base](r *Recorder[B]) {
	s := registry.slot()
	s.tapeID = r.id
	s.rec = r
}

func clearCurrentRecorder() {
	registry.drop()
}

// currentRecorder returns the active recorder for this goroutine, if
// any, along with the tape-id it was started with. The caller compares
// the id against an active scalar's own tape-id to classify the scalar
// as a parameter, a variable of the current recording, or stale.
func currentRecorder[B Base]() (*Recorder[B], uint64) {
	s := registry.slot()
	if s.rec == nil {
		return nil, 0
	}
	r, ok := s.rec.(*Recorder[B])
	if !ok {
		return nil, 0
	}
	return r, s.tapeID
}
