package ebr

import "github.com/fleeindex/fleeindex/pkg/backoff"

// Worker bundles everything a single goroutine needs to operate on a
// concurrent structure: its epoch-reclamation participation, a CLOCK sweep
// hand (used by index consumers), and its own CAS backoff state. The
// original C implementation kept this as four separate thread-local
// globals (tid, a reclamation handle, a CLOCK hand, a failure counter);
// since Go has no thread-locals, every operation that needs this state
// takes a *Worker explicitly instead.
type Worker struct {
	ID      int
	Recl    *Reclamation
	Hand    uint64 // CLOCK sweep position, advanced by index eviction
	Backoff backoff.State
}

// NewWorker registers id with r and returns a ready-to-use Worker. id must
// be unique among all live workers sharing r.
func NewWorker(r *Reclaimer, id int) *Worker {
	return &Worker{ID: id, Recl: NewReclamation(r, id)}
}
