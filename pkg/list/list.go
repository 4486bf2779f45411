// Package list implements a lock-free, key-ordered singly-linked list in
// the style of Harris's marking algorithm, with Michael's hazard-pointer
// retirement replaced by epoch-based reclamation (pkg/ebr). Every bucket of
// pkg/index is one of these lists.
//
// Logical delete and in-replacement are flags on a node's successor rather
// than stolen bits of a raw pointer: Go pointers can't be tagged without
// losing GC visibility, so the low-bit tricks of the original C
// implementation become an immutable successor{flags, to} value swapped
// atomically in its place.
package list

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/fleeindex/fleeindex/pkg/ebr"
	"github.com/fleeindex/fleeindex/pkg/utils"
)

// MaxKeyLen is the largest key this list accepts, matching the item
// layout's single-byte key-length field.
const MaxKeyLen = 255

// maxReplaceRetries bounds how many times a reader may be told to retry
// because it observed a node mid-replacement before concluding the
// replacing goroutine is gone and force-deleting the stuck node itself.
const maxReplaceRetries = 5000

type linkFlags uint8

const (
	flagDeleted   linkFlags = 1 << 0
	flagReplacing linkFlags = 1 << 1
)

// successor is the value stored in a node's next pointer: where the chain
// continues, and whether this node is logically deleted or mid-replacement.
// It is immutable once constructed; a mutation always swaps in a new one.
type successor[V any] struct {
	flags linkFlags
	to    *node[V]
}

// node is both the real element type and the sentinel type: a sentinel
// simply carries a nil key and an unused value. The original's alignment
// self-check between `item` and `fake_item` has no Go equivalent — there's
// only one struct here, so head and tail are exactly as wide as any other
// node.
type node[V any] struct {
	key   []byte
	value V
	next  atomic.Pointer[successor[V]]
}

func cmpKeys(a, b []byte) int {
	if d := len(a) - len(b); d != 0 {
		return d
	}
	return bytes.Compare(a, b)
}

// List is a sorted singly-linked list with sentinel head and tail nodes.
// The zero value is not usable; construct with New.
type List[V any] struct {
	head, tail *node[V]
}

// New returns an empty list.
func New[V any]() *List[V] {
	l := &List[V]{head: &node[V]{}, tail: &node[V]{}}
	l.head.next.Store(&successor[V]{to: l.tail})
	return l
}

func (l *List[V]) retire(w *ebr.Worker, _ *node[V]) {
	// Unlinked nodes in Go need no explicit free: once every goroutine that
	// might still be traversing it has announced past two epochs, nothing
	// references it and the garbage collector reclaims it on its own. The
	// retirement call still matters for the bookkeeping/epoch discipline
	// (and for parity with pkg/index's resize, which does use a custom
	// cleanup), so it's always routed through the reclaimer rather than
	// just dropped.
	w.Recl.AddRetiredValue()
}

func (l *List[V]) retireRun(w *ebr.Worker, first *node[V], count int) {
	e := first
	for i := 0; i < count && e != nil; i++ {
		next := e.next.Load().to
		l.retire(w, e)
		e = next
	}
}

// blocked reports whether n's successor currently carries a flag that
// should make a searching goroutine retry rather than treat n as the
// answer: logically deleted always blocks, in-replacement blocks unless
// the caller explicitly asked to ignore it.
func blocked[V any](n *node[V], ignoreReplacement bool) bool {
	s := n.next.Load()
	if s.flags&flagDeleted != 0 {
		return true
	}
	return !ignoreReplacement && s.flags&flagReplacing != 0
}

// scanOnce performs a single top-to-bottom pass from head looking for the
// first live node whose key is >= target (or tail). It reports the last
// confirmed-live node before any marked run (left, with the successor
// value read at that point) and the node it found (right), plus how many
// marked nodes sit between them waiting to be spliced out.
func (l *List[V]) scanOnce(key []byte) (left *node[V], leftSucc *successor[V], right *node[V], marked int) {
	left = l.head
	leftSucc = left.next.Load()
	t := left
	tSucc := leftSucc

	for {
		if tSucc.flags&flagDeleted == 0 {
			left = t
			leftSucc = tSucc
			marked = 0
		} else {
			marked++
		}
		t = tSucc.to
		if t == l.tail {
			break
		}
		tSucc = t.next.Load()
		if tSucc.flags&flagDeleted != 0 || cmpKeys(t.key, key) < 0 {
			continue
		}
		break
	}
	return left, leftSucc, t, marked
}

// search finds the insertion/lookup point for key: left is the last live
// node strictly before it, right is either the matching node or the first
// live node that sorts after it (or tail). Marked runs discovered along
// the way are spliced out and retired as a side effect, exactly as in the
// original algorithm. leftSucc is the exact successor value read from
// left.next at the moment right was chosen, suitable for use as a CAS
// "expected" by the caller.
//
// ignoreReplacement makes search walk through an in-replacement node instead
// of retrying on it. Every caller in this package passes false; the stuck
// replacement recovery path goes through deleteByRef/searchByRef instead.
func (l *List[V]) search(w *ebr.Worker, key []byte, ignoreReplacement bool) (left, right *node[V], leftSucc *successor[V]) {
	var lastBlocking *node[V]
	replaceRetries := 0

searchAgain:
	if !ignoreReplacement && lastBlocking != nil {
		if s := lastBlocking.next.Load(); s.flags&flagReplacing != 0 {
			replaceRetries++
			if replaceRetries >= maxReplaceRetries {
				// The goroutine that started this replace is presumed gone;
				// finish its job by force-deleting the stuck node.
				utils.RaiseInvariant("list", "replace_retries_exhausted",
					"Forcing deletion of a node stuck mid-replacement after exceeding max retries.",
					"key", string(lastBlocking.key), "retries", replaceRetries)
				l.deleteByRef(w, lastBlocking)
			}
		}
	}

	for {
		var scannedLeft, scannedRight *node[V]
		var scannedLeftSucc *successor[V]
		var markedCount int
		scannedLeft, scannedLeftSucc, scannedRight, markedCount = l.scanOnce(key)

		if scannedLeftSucc.to == scannedRight {
			if scannedRight != l.tail && blocked(scannedRight, ignoreReplacement) {
				lastBlocking = scannedRight
				goto searchAgain
			}
			return scannedLeft, scannedRight, scannedLeftSucc
		}

		spliced := &successor[V]{to: scannedRight}
		if w.Backoff.CAS(func() bool { return scannedLeft.next.CompareAndSwap(scannedLeftSucc, spliced) }) {
			l.retireRun(w, scannedLeftSucc.to, markedCount)
			if scannedRight != l.tail && blocked(scannedRight, ignoreReplacement) {
				lastBlocking = scannedRight
				goto searchAgain
			}
			return scannedLeft, scannedRight, spliced
		}
		// Lost the splice race; rescan from head.
	}
}

// searchByRef walks the list looking for the exact node target (not by
// key), used by the replace protocol's second phase, which must find the
// specific old node it marked rather than whatever currently holds that
// key.
func (l *List[V]) searchByRef(target *node[V]) (left, right *node[V], leftSucc *successor[V]) {
	left = l.head
	leftSucc = left.next.Load()
	right = leftSucc.to
	for right != target && right != l.tail {
		left = right
		leftSucc = left.next.Load()
		right = leftSucc.to
	}
	return left, right, leftSucc
}

// deleteByRef logically and physically removes target, found by identity
// rather than key. Used only to recover a stuck in-replacement node.
func (l *List[V]) deleteByRef(w *ebr.Worker, target *node[V]) {
	for {
		left, right, leftSucc := l.searchByRef(target)
		if right == l.tail {
			return
		}
		rightSucc := right.next.Load()
		if rightSucc.flags&flagDeleted == 0 {
			marked := &successor[V]{flags: rightSucc.flags | flagDeleted, to: rightSucc.to}
			if !w.Backoff.CAS(func() bool { return right.next.CompareAndSwap(rightSucc, marked) }) {
				continue
			}
			rightSucc = marked
		}
		if w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: rightSucc.to}) }) {
			l.retire(w, right)
		}
		return
	}
}

// Find reports whether key is present.
func (l *List[V]) Find(w *ebr.Worker, key []byte) bool {
	_, right, _ := l.search(w, key, false)
	return right != l.tail && cmpKeys(right.key, key) == 0
}

// Get returns the value stored under key, if any.
func (l *List[V]) Get(w *ebr.Worker, key []byte) (V, bool) {
	_, right, _ := l.search(w, key, false)
	if right == l.tail || cmpKeys(right.key, key) != 0 {
		var zero V
		return zero, false
	}
	return right.value, true
}

// Insert adds key/value if key is not already present. Returns false on a
// duplicate key.
func (l *List[V]) Insert(w *ebr.Worker, key []byte, value V) bool {
	if len(key) > MaxKeyLen {
		return false
	}
	for {
		left, right, leftSucc := l.search(w, key, false)
		if right != l.tail && cmpKeys(right.key, key) == 0 {
			return false
		}
		n := &node[V]{key: key, value: value}
		n.next.Store(&successor[V]{to: right})
		if w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: n}) }) {
			return true
		}
	}
}

// Delete removes key if present. reclaim controls whether the unlinked
// node is handed to the epoch reclaimer (false is used internally by the
// resize migration, which moves the node rather than discarding it). When
// the physical unlink loses a race, the follow-up search splices the node
// out and retires it whatever reclaim says.
// removed reports a successful physical unlink; found reports whether the
// key existed at all (including the case where a concurrent delete beat
// this call to it).
func (l *List[V]) Delete(w *ebr.Worker, key []byte, reclaim bool) (removed, found bool) {
	for {
		left, right, leftSucc := l.search(w, key, false)
		if right == l.tail || cmpKeys(right.key, key) != 0 {
			return false, false
		}

		rightSucc := right.next.Load()
		if rightSucc.flags&flagDeleted != 0 {
			// Someone else already logically deleted it; from this caller's
			// perspective the key is gone, and re-search will splice it out.
			return false, true
		}
		marked := &successor[V]{flags: rightSucc.flags | flagDeleted, to: rightSucc.to}
		if !w.Backoff.CAS(func() bool { return right.next.CompareAndSwap(rightSucc, marked) }) {
			continue
		}

		found = true
		if !w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: marked.to}) }) {
			// Physical unlink lost a race; a fresh search will splice the
			// node we just marked (as a side effect of walking past it).
			l.search(w, key, false)
			return true, true
		}
		if reclaim {
			l.retire(w, right)
		}
		return true, true
	}
}

// Replace implements the original nblist replace algorithm: mark the old
// node as "being replaced", splice the new node in directly before it,
// then logically delete and physically unlink the old node. If key is not
// present, Replace falls back to a plain Insert.
//
// Callers must retry the whole call when inserted is false: that return
// means a benign CAS race, not a terminal failure (this mirrors the
// original's "repeat" contract on its replace()). wasInsert reports whether
// key was absent and this call fell back to a plain Insert, so callers that
// track a live-node count know to account for a net-new node rather than a
// swap of an existing one.
func (l *List[V]) Replace(w *ebr.Worker, key []byte, value V, reclaim bool) (old V, inserted bool, wasInsert bool) {
	left, right, leftSucc := l.search(w, key, false)
	if right == l.tail || cmpKeys(right.key, key) != 0 {
		ok := l.Insert(w, key, value)
		return old, ok, ok
	}

	rightSucc := right.next.Load()
	if rightSucc.flags != 0 {
		return old, false, false // already deleted or already being replaced: caller retries
	}
	if !w.Backoff.CAS(func() bool {
		return right.next.CompareAndSwap(rightSucc, &successor[V]{flags: flagReplacing, to: rightSucc.to})
	}) {
		return old, false, false
	}

	oldNode := right
	newNode := &node[V]{key: key, value: value}
	newNode.next.Store(&successor[V]{to: oldNode})
	if !w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: newNode}) }) {
		return old, false, false
	}
	inserted = true
	old = oldNode.value
	// Readers traversing after this point see newNode. Logically delete and
	// physically unlink oldNode.
	for {
		oLeft, oRight, oLeftSucc := l.searchByRef(oldNode)
		if oRight != oldNode {
			return old, true, false // concurrently removed already; nothing left to do
		}
		oRightSucc := oRight.next.Load()
		if oRightSucc.flags&flagDeleted == 0 {
			marked := &successor[V]{flags: oRightSucc.flags | flagDeleted, to: oRightSucc.to}
			if !w.Backoff.CAS(func() bool { return oRight.next.CompareAndSwap(oRightSucc, marked) }) {
				continue
			}
			oRightSucc = marked
		}
		if !w.Backoff.CAS(func() bool { return oLeft.next.CompareAndSwap(oLeftSucc, &successor[V]{to: oRightSucc.to}) }) {
			l.Cleanup(w)
			return old, true, false
		}
		if reclaim {
			l.retire(w, oldNode)
		}
		return old, true, false
	}
}

// scanMarkedRun finds the first run of logically-deleted nodes anywhere in
// the list, starting a fresh scan from head. ok is false if none remain.
func (l *List[V]) scanMarkedRun() (left *node[V], leftSucc *successor[V], right *node[V], count int, ok bool) {
	left = l.head
	leftSucc = left.next.Load()
	t := left
	tSucc := leftSucc

	for {
		if tSucc.flags&flagDeleted == 0 {
			left = t
			leftSucc = tSucc
		}
		t = tSucc.to
		if t == l.tail {
			return nil, nil, nil, 0, false
		}
		tSucc = t.next.Load()
		if tSucc.flags&flagDeleted != 0 {
			break
		}
	}

	for {
		count++
		t = tSucc.to
		if t == l.tail {
			break
		}
		tSucc = t.next.Load()
		if tSucc.flags&flagDeleted == 0 {
			break
		}
	}
	return left, leftSucc, t, count, true
}

// Cleanup splices out every currently marked run and retires the removed
// nodes, returning how many were removed. Idempotent and safe to call
// concurrently with mutators.
func (l *List[V]) Cleanup(w *ebr.Worker) int {
	total := 0
	for {
		left, leftSucc, right, count, ok := l.scanMarkedRun()
		if !ok {
			return total
		}
		if w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: right}) }) {
			l.retireRun(w, leftSucc.to, count)
			total += count
			continue
		}
		// Lost the splice race; rescan from head.
	}
}

// MarkAllNodes logically deletes every currently-live node without
// unlinking any of them, returning how many were marked.
func (l *List[V]) MarkAllNodes(w *ebr.Worker) int {
	marked := 0
	e := l.head.next.Load().to
	for e != l.tail {
		for {
			s := e.next.Load()
			if s.flags&flagDeleted != 0 {
				break
			}
			if w.Backoff.CAS(func() bool {
				return e.next.CompareAndSwap(s, &successor[V]{flags: s.flags | flagDeleted, to: s.to})
			}) {
				marked++
				break
			}
		}
		e = e.next.Load().to
	}
	return marked
}

// Empty marks every live node deleted, then splices and retires them all,
// returning the count physically removed.
func (l *List[V]) Empty(w *ebr.Worker) int {
	l.MarkAllNodes(w)
	return l.Cleanup(w)
}

// IsEmpty reports whether the list currently has no live nodes chained
// directly off head. A true result can go stale the instant it's read.
func (l *List[V]) IsEmpty() bool {
	return l.head.next.Load().to == l.tail
}

// DebugString renders every node currently reachable from head, marking
// logically-deleted and in-replacement nodes, mirroring the original's
// print_list debug dump without writing to stdout directly.
func (l *List[V]) DebugString() string {
	var sb strings.Builder
	sb.WriteString("[")
	n := l.head.next.Load().to
	first := true
	for n != l.tail {
		if !first {
			sb.WriteString(" -> ")
		}
		first = false
		s := n.next.Load()
		tag := ""
		if s.flags&flagDeleted != 0 {
			tag = "*deleted*"
		} else if s.flags&flagReplacing != 0 {
			tag = "*replacing*"
		}
		fmt.Fprintf(&sb, "%q%s", n.key, tag)
		n = s.to
	}
	sb.WriteString("]")
	return sb.String()
}

// ForEach invokes fn for every currently-live node in key order. It is a
// best-effort snapshot used by pkg/index's resize migration, not a
// client-facing range query: callers must not rely on seeing a
// consistent point-in-time view under concurrent mutation.
func (l *List[V]) ForEach(fn func(key []byte, value V)) {
	n := l.head.next.Load().to
	for n != l.tail {
		s := n.next.Load()
		if s.flags&flagDeleted == 0 {
			fn(n.key, n.value)
		}
		n = s.to
	}
}

// searchIndex locates the position-th live node (0-based), splicing out any
// marked run it passes through along the way.
func (l *List[V]) searchIndex(index int) (left, right *node[V], leftSucc *successor[V]) {
	left = l.head
	leftSucc = left.next.Load()
	t := left
	tSucc := leftSucc
	i := -1

	for {
		if tSucc.flags&flagDeleted == 0 {
			left = t
			leftSucc = tSucc
			i++
		}
		t = tSucc.to
		if t == l.tail {
			break
		}
		tSucc = t.next.Load()
		if i >= index && tSucc.flags&flagDeleted == 0 {
			break
		}
	}
	return left, t, leftSucc
}

// InsertAt inserts value at position index (clamped to the list length).
func (l *List[V]) InsertAt(w *ebr.Worker, index int, value V) bool {
	for {
		left, right, leftSucc := l.searchIndex(index)
		n := &node[V]{value: value}
		n.next.Store(&successor[V]{to: right})
		if w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: n}) }) {
			return true
		}
	}
}

// DeleteAt removes and returns the value at position index.
func (l *List[V]) DeleteAt(w *ebr.Worker, index int) (V, bool) {
	for {
		left, right, leftSucc := l.searchIndex(index)
		if right == l.tail {
			var zero V
			return zero, false
		}
		rightSucc := right.next.Load()
		if rightSucc.flags&flagDeleted == 0 {
			marked := &successor[V]{flags: rightSucc.flags | flagDeleted, to: rightSucc.to}
			if !w.Backoff.CAS(func() bool { return right.next.CompareAndSwap(rightSucc, marked) }) {
				continue
			}
			rightSucc = marked
		}
		if !w.Backoff.CAS(func() bool { return left.next.CompareAndSwap(leftSucc, &successor[V]{to: rightSucc.to}) }) {
			continue
		}
		val := right.value
		l.retire(w, right)
		return val, true
	}
}

// PushFront, PushBack, PopFront and PopBack are thin wrappers over the
// index-based primitives above, kept for callers that want list/queue
// semantics (e.g. test harnesses) without tracking keys.
func (l *List[V]) PushFront(w *ebr.Worker, value V) bool { return l.InsertAt(w, 0, value) }
func (l *List[V]) PushBack(w *ebr.Worker, value V) bool  { return l.InsertAt(w, math.MaxInt32, value) }
func (l *List[V]) PopFront(w *ebr.Worker) (V, bool)      { return l.DeleteAt(w, 0) }
func (l *List[V]) PopBack(w *ebr.Worker) (V, bool) {
	n := 0
	l.ForEach(func([]byte, V) { n++ })
	return l.DeleteAt(w, n-1)
}
