// Package ebr implements epoch-based reclamation: a scheme for safely
// freeing memory (or dropping references) removed from a lock-free
// structure while other goroutines may still hold a pointer to it.
//
// A Reclaimer owns a single monotonically increasing epoch counter. Every
// worker announces the epoch it last observed before touching the shared
// structure, and flags itself quiescent when it isn't touching it at all.
// An item unlinked from the structure is retired into the current epoch's
// limbo bag rather than dropped immediately; it only moves to the
// reclaim-now bag once the global epoch is two generations past the one it
// was retired in. Reaching that epoch required every non-quiescent worker to
// announce an epoch newer than the retirement epoch, which proves no one can
// still hold a reference to it.
package ebr

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ReclaimKind distinguishes items whose reclamation is "just drop the
// reference" from items that need a custom teardown step run first.
type ReclaimKind uint8

const (
	// KindGeneral covers values reclaimed to Go's garbage collector: once
	// retired and safe, the Reclaimer simply forgets the reference.
	KindGeneral ReclaimKind = iota
	// KindCustom covers values that need an explicit teardown function run
	// at reclaim time (e.g. unlinking auxiliary bookkeeping).
	KindCustom
)

type retired struct {
	kind    ReclaimKind
	cleanup func() // only set (and only invoked) when kind == KindCustom
}

// Reclaimer coordinates epoch advancement and limbo-bag rotation across a
// fixed number of workers, identified by small integer IDs in [0, numWorkers).
type Reclaimer struct {
	currEpoch atomic.Uint64

	announcements []atomic.Uint64
	quiescent     []atomic.Bool

	toBeReclaimed *bag[retired]
	reclaimMu     sync.Mutex
}

// New creates a Reclaimer for numWorkers concurrent participants. Epochs
// start at 1, matching the original reclaimer's convention that epoch 0
// means "never announced".
func New(numWorkers int) *Reclaimer {
	r := &Reclaimer{
		announcements: make([]atomic.Uint64, numWorkers),
		quiescent:     make([]atomic.Bool, numWorkers),
		toBeReclaimed: newBag[retired](64),
	}
	r.currEpoch.Store(1)
	for i := range r.quiescent {
		r.quiescent[i].Store(true)
	}
	return r
}

// Reclamation is a single worker's participation state in a Reclaimer: its
// announcement slot, quiescent flag, and the three limbo bags it retires
// into (indexed by epoch mod 3, exactly as the original scheme does).
type Reclamation struct {
	r         *Reclaimer
	workerID  int
	limboBags [3]*bag[retired]
}

// NewReclamation registers a new participant with r. workerID must be in
// [0, numWorkers) and must not be shared with another live Reclamation.
func NewReclamation(r *Reclaimer, workerID int) *Reclamation {
	rec := &Reclamation{r: r, workerID: workerID}
	for i := range rec.limboBags {
		rec.limboBags[i] = newBag[retired](16)
	}
	r.quiescent[workerID].Store(true)
	return rec
}

// AddRetired retires an item: it is held in the current epoch's limbo bag
// until it is provably safe to reclaim (see drainWorkerLimbo).
func (rec *Reclamation) AddRetired(kind ReclaimKind, cleanup func()) {
	epoch := rec.r.currEpoch.Load()
	rec.limboBags[epoch%3].put(retired{kind: kind, cleanup: cleanup})
}

// AddRetiredValue is a convenience wrapper for KindGeneral items: the value
// is simply dropped once reclaimed, so no cleanup function is needed.
func (rec *Reclamation) AddRetiredValue() {
	rec.AddRetired(KindGeneral, nil)
}

// AnnounceEpoch publishes the current global epoch as the last one this
// worker observed, leaves quiescent state, drains the oldest limbo bag once
// two epochs have passed, and attempts to advance the global epoch.
func (rec *Reclamation) AnnounceEpoch() {
	r := rec.r
	curr := r.currEpoch.Load()
	rec.LeaveQuiescent()

	if curr >= 2 {
		rec.drainWorkerLimbo(curr - 2)
	}

	if curr > rec.r.announcements[rec.workerID].Load() {
		r.announcements[rec.workerID].Store(curr)
		r.Reclaim()
	}

	if r.TryAdvanceEpoch(curr) {
		r.Reclaim()
	}
}

// EnterQuiescent marks this worker as not touching the shared structure.
// A quiescent worker is skipped entirely by CanAdvanceEpoch.
func (rec *Reclamation) EnterQuiescent() {
	rec.r.quiescent[rec.workerID].Store(true)
}

// LeaveQuiescent marks this worker as about to touch the shared structure.
// Re-announces the current epoch so a long-idle worker doesn't block
// reclamation once it resumes.
func (rec *Reclamation) LeaveQuiescent() {
	r := rec.r
	alreadyActive := !r.quiescent[rec.workerID].Swap(false)
	if alreadyActive {
		return
	}
	curr := r.currEpoch.Load()
	r.announcements[rec.workerID].Store(curr)
	r.Reclaim()
}

// IsQuiescent reports whether this worker is currently flagged quiescent.
func (rec *Reclamation) IsQuiescent() bool {
	return rec.r.quiescent[rec.workerID].Load()
}

// DebugString renders this worker's limbo-bag occupancy, mirroring the
// original reclaimer's debug print_info.
func (rec *Reclamation) DebugString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "worker %d: quiescent=%v limbo=[%d %d %d]",
		rec.workerID, rec.IsQuiescent(),
		rec.limboBags[0].len(), rec.limboBags[1].len(), rec.limboBags[2].len())
	return sb.String()
}

// CanAdvanceEpoch reports the current epoch (the one that can be advanced
// from) if every non-quiescent worker has announced at least it, or 0 if
// some worker is lagging behind.
func (r *Reclaimer) CanAdvanceEpoch() uint64 {
	curr := r.currEpoch.Load()
	for i := range r.announcements {
		if r.quiescent[i].Load() {
			continue
		}
		if r.announcements[i].Load() < curr {
			return 0
		}
	}
	return curr
}

// TryAdvanceEpoch attempts to bump the global epoch from observed to
// observed+1, returning whether it succeeded. Losing the race is normal and
// not an error: some other worker advanced the epoch first.
func (r *Reclaimer) TryAdvanceEpoch(observed uint64) bool {
	canAdvance := r.CanAdvanceEpoch()
	if canAdvance == 0 || canAdvance != observed {
		return false
	}
	return r.currEpoch.CompareAndSwap(observed, observed+1)
}

// drainWorkerLimbo moves rec's limbo bag for epochToEmpty into the shared
// reclaim-now bag. Callers must always pass currEpoch-2: two full epochs
// must have elapsed since an item was retired into that bag before nobody
// can still be holding a reference to it.
//
// Each worker drains only its own limbo bags (never another worker's), so
// reclaim-now bag. Safe to call concurrently with other workers' drains:
// each worker only ever touches its own limbo bags.
func (rec *Reclamation) drainWorkerLimbo(epochToEmpty uint64) {
	src := rec.limboBags[epochToEmpty%3]
	if src.len() == 0 {
		return
	}
	rec.r.reclaimMu.Lock()
	transfer(rec.r.toBeReclaimed, src)
	rec.r.reclaimMu.Unlock()
}

// Reclaim drains the reclaim-now bag, running each item's cleanup (for
// KindCustom items) and otherwise simply dropping the reference.
func (r *Reclaimer) Reclaim() {
	r.reclaimMu.Lock()
	defer r.reclaimMu.Unlock()
	for {
		item, ok := r.toBeReclaimed.take()
		if !ok {
			return
		}
		if item.kind == KindCustom && item.cleanup != nil {
			item.cleanup()
		}
		// KindGeneral: nothing to do, the GC reclaims it once unreferenced.
	}
}

// Epoch returns the current global epoch, mostly useful for tests that need
// to wait for N epochs to elapse.
func (r *Reclaimer) Epoch() uint64 { return r.currEpoch.Load() }
