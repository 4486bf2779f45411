package port

import (
	"context"
	"errors"

	"github.com/fleeindex/fleeindex/pkg/ebr"
	"github.com/fleeindex/fleeindex/pkg/hashutil"
	"github.com/fleeindex/fleeindex/pkg/index"
)

// ErrKeyNotFound is returned by FleeStorage.Get/Delete when key has no
// live entry in the index.
var ErrKeyNotFound = errors.New("key not found")

// workerPool hands out a bounded set of *ebr.Worker so every concurrent
// connection gets a distinct reclamation participant without exceeding the
// numThreads the Index was built for — sharing one Worker across
// goroutines would race on its unsynchronized limbo bags.
type workerPool struct {
	workers chan *ebr.Worker
}

func newWorkerPool[V any](idx *index.Index[V], numThreads int) *workerPool {
	workers := make(chan *ebr.Worker, numThreads)
	for i := range numThreads {
		workers <- idx.NewWorker(i)
	}
	return &workerPool{workers: workers}
}

// acquire checks out a worker and announces the current epoch on its
// behalf, matching the convention that a thread announces before touching
// the shared structure.
func (p *workerPool) acquire() *ebr.Worker {
	w := <-p.workers
	w.Recl.AnnounceEpoch()
	return w
}

// release flags the worker quiescent (it holds no references into the
// index once its caller is done) and returns it to the pool.
func (p *workerPool) release(w *ebr.Worker) {
	w.Recl.EnterQuiescent()
	p.workers <- w
}

// existenceCheck mirrors the Redis SET NX/XX option.
type existenceCheck uint8

const (
	noCheck     existenceCheck = iota
	ifNotExists                // NX
	ifExists                   // XX
)

// SetCommand is a parsed Redis SET invocation. Unlike the teacher's
// KiwiStorage, there is no expiryTime/keepTtl here: the index has no TTL
// concept (spec scope explicitly excludes durability and expiry), so those
// fields have nowhere to live.
type SetCommand struct {
	key       []byte
	value     []byte
	existence existenceCheck
	get       bool // Redis GET option: return the previous value if set.
}

// SetResult reports what a Set call did.
type SetResult struct {
	previousValue    []byte
	hasPreviousValue bool
	couldSet         bool
}

// FleeStorage adapts pkg/index.Index[[]byte] to the small GET/SET/DEL
// surface the Redis front-end needs, including its own worker pool and
// background maintenance goroutine.
type FleeStorage struct {
	idx    *index.Index[[]byte]
	pool   *workerPool
	cancel context.CancelFunc
}

// NewFleeStorage builds a FleeStorage running up to numThreads operations
// concurrently; any number of connections may share it, each operation
// borrowing a worker from the pool for its duration.
func NewFleeStorage(numThreads int) *FleeStorage {
	idx := index.New[[]byte](0, numThreads)
	ctx, cancel := context.WithCancel(context.Background())
	idx.StartMaintenance(ctx)
	return &FleeStorage{idx: idx, pool: newWorkerPool(idx, numThreads), cancel: cancel}
}

// Get looks up key.
func (fs *FleeStorage) Get(key []byte) ([]byte, error) {
	w := fs.pool.acquire()
	defer fs.pool.release(w)

	fs.idx.CheckExpand()
	if v, ok := fs.idx.Find(w, key, hashutil.Sum(key)); ok {
		return v, nil
	}
	return nil, ErrKeyNotFound
}

// Set executes cmd, honoring NX/XX and returning the previous value when
// GET was requested.
func (fs *FleeStorage) Set(cmd SetCommand) SetResult {
	w := fs.pool.acquire()
	defer fs.pool.release(w)

	hv := hashutil.Sum(cmd.key)
	var prevValue []byte
	hasPrevValue := false
	if cmd.existence != noCheck || cmd.get {
		if v, ok := fs.idx.Find(w, cmd.key, hv); ok {
			prevValue, hasPrevValue = v, true
		}
	}

	couldSet := cmd.existence == noCheck ||
		(cmd.existence == ifNotExists && !hasPrevValue) ||
		(cmd.existence == ifExists && hasPrevValue)

	if couldSet {
		if hasPrevValue {
			fs.idx.Replace(w, cmd.key, cmd.value, hv)
		} else if !fs.idx.Insert(w, cmd.key, cmd.value, hv) {
			// A concurrent SET raced us between the Find above and here; the
			// key now exists, so fall back to Replace so this call's value
			// still wins, matching plain SET's overwrite semantics.
			fs.idx.Replace(w, cmd.key, cmd.value, hv)
		}
		fs.idx.CheckExpand()
	}

	if cmd.get {
		return SetResult{previousValue: prevValue, hasPreviousValue: hasPrevValue, couldSet: couldSet}
	}
	return SetResult{couldSet: couldSet}
}

// Delete removes key.
func (fs *FleeStorage) Delete(key []byte) error {
	w := fs.pool.acquire()
	defer fs.pool.release(w)

	if fs.idx.Delete(w, key, hashutil.Sum(key)) {
		return nil
	}
	return ErrKeyNotFound
}

// CurrentItemCount exposes the index's live item count for the INFO-style
// stats a real server would surface.
func (fs *FleeStorage) CurrentItemCount() uint64 {
	return fs.idx.CurrentItemCount()
}

// Close stops the background maintenance goroutine.
func (fs *FleeStorage) Close() error {
	fs.cancel()
	return nil
}
