package index

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleeindex/fleeindex/pkg/ebr"
)

// fixedHash lets tests pick exactly which bucket a key lands in instead of
// depending on xxhash's real distribution.
func fixedHash(values map[string]uint32) func([]byte) uint32 {
	return func(key []byte) uint32 { return values[string(key)] }
}

func TestIndex_InsertFindDelete(t *testing.T) {
	hashes := map[string]uint32{"a": 0, "b": 1, "c": 2, "d": 3}
	idx := NewWithHash[string](2 /*hashpower*/, 1, fixedHash(hashes))
	w := idx.NewWorker(0)

	for k, hv := range hashes {
		assert.True(t, idx.Insert(w, []byte(k), k, hv))
	}

	for k, hv := range hashes {
		v, ok := idx.Find(w, []byte(k), hv)
		assert.True(t, ok)
		assert.Equal(t, k, v)
	}

	assert.Equal(t, uint64(4), idx.CurrentItemCount())

	assert.True(t, idx.Delete(w, []byte("b"), hashes["b"]))
	_, ok := idx.Find(w, []byte("b"), hashes["b"])
	assert.False(t, ok)
	assert.Equal(t, uint64(3), idx.CurrentItemCount())

	// Deleting an already-gone key reports false and does not double-decrement.
	assert.False(t, idx.Delete(w, []byte("b"), hashes["b"]))
	assert.Equal(t, uint64(3), idx.CurrentItemCount())
}

func TestIndex_BucketCollisions(t *testing.T) {
	// hashpower=2 means a 2-bit mask: hashes 0, 4 and 8 all collide on bucket 0.
	hashes := map[string]uint32{"x": 0, "y": 4, "z": 8}
	idx := NewWithHash[int](2, 1, fixedHash(hashes))
	w := idx.NewWorker(0)

	for k, hv := range hashes {
		assert.True(t, idx.Insert(w, []byte(k), len(k), hv))
	}
	for k, hv := range hashes {
		_, ok := idx.Find(w, []byte(k), hv)
		assert.True(t, ok, "key %s should be found despite bucket collision", k)
	}

	assert.True(t, idx.Delete(w, []byte("y"), hashes["y"]))
	_, ok := idx.Find(w, []byte("x"), hashes["x"])
	assert.True(t, ok, "deleting a colliding key must not disturb its bucket-mates")
	_, ok = idx.Find(w, []byte("z"), hashes["z"])
	assert.True(t, ok)
}

func TestIndex_Replace(t *testing.T) {
	idx := New[string](2, 1)
	w := idx.NewWorker(0)
	hv := idx.hash([]byte("k"))

	assert.True(t, idx.Replace(w, []byte("k"), "first", hv)) // absent key: falls back to insert
	v, ok := idx.Find(w, []byte("k"), hv)
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	assert.True(t, idx.Replace(w, []byte("k"), "second", hv))
	v, ok = idx.Find(w, []byte("k"), hv)
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	assert.Equal(t, uint64(1), idx.CurrentItemCount())
}

func TestIndex_BumpAndTryEvict(t *testing.T) {
	// hashpower=1: two buckets. Insert into bucket 0 only, then leave bucket
	// 1 untouched so its CLOCK counter starts and stays at zero.
	hashes := map[string]uint32{"hot": 0, "cold": 0}
	idx := NewWithHash[string](1, 1, fixedHash(hashes))
	w := idx.NewWorker(0)

	assert.True(t, idx.Insert(w, []byte("hot"), "v", 0))
	idx.Bump(0)
	idx.Bump(0)

	// decClock must run down to zero before TryEvict will touch that bucket;
	// call it with a throwaway id (non-zero, since originSlabID==0 short-circuits).
	removed := idx.TryEvict(w, 1, 0, 0)
	assert.Equal(t, 0, removed, "bucket 0's counter is still warm from the bumps/insert")

	for i := 0; i < 260; i++ { // repeated sweeps drain bucket 0's counter to zero
		removed = idx.TryEvict(w, 1, 0, 0)
		if removed > 0 {
			break
		}
	}
	assert.Equal(t, 1, removed)
	_, ok := idx.Find(w, []byte("hot"), 0)
	assert.False(t, ok)
}

func TestIndex_ObservabilityHooks(t *testing.T) {
	idx := New[string](2, 1)
	w := idx.NewWorker(0)
	hv := idx.hash([]byte("k"))

	var foundCalls, insertCalls []bool
	idx.OnFind = func(_ []byte, found bool) { foundCalls = append(foundCalls, found) }
	idx.OnInsert = func(_ []byte, inserted bool) { insertCalls = append(insertCalls, inserted) }

	idx.Insert(w, []byte("k"), "v", hv)
	idx.Insert(w, []byte("k"), "v2", hv) // duplicate, should report false
	idx.Find(w, []byte("k"), hv)
	idx.Find(w, []byte("missing"), idx.hash([]byte("missing")))

	assert.Equal(t, []bool{true, false}, insertCalls)
	assert.Equal(t, []bool{true, false}, foundCalls)
}

func TestIndex_TryEvict_ZeroOriginSlabIsNoop(t *testing.T) {
	idx := New[string](2, 1)
	w := idx.NewWorker(0)
	assert.Equal(t, 0, idx.TryEvict(w, 0, 0, 0))
}

func TestIndex_Expand(t *testing.T) {
	idx := New[int](2, 1)
	w := idx.NewWorker(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx.StartMaintenance(ctx)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		hv := idx.hash(key)
		assert.True(t, idx.Insert(w, key, i, hv))
		idx.CheckExpand()
	}

	// Give the maintenance goroutine time to finish any triggered resize.
	deadline := time.Now().Add(2 * time.Second)
	for unpackPower(idx) == 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, unpackPower(idx), uint32(2), "table should have grown past its initial hashpower")

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		v, ok := idx.Find(w, key, idx.hash(key))
		assert.True(t, ok, "key %s must survive a resize", key)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, uint64(n), idx.CurrentItemCount())
}

func unpackPower(idx *Index[int]) uint32 {
	power, _ := unpackState(idx.state.Load())
	return power
}

// TestIndex_ConcurrentMutationDuringExpand hammers Insert from many
// goroutines while a resize runs in the background, then checks that the
// accounting settles on a value consistent with what was actually inserted
// and that every inserted key is found with its value.
func TestIndex_ConcurrentMutationDuringExpand(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 100

	idx := New[int](1, goroutines)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	idx.StartMaintenance(ctx)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			w := idx.NewWorker(g)
			w.Recl.AnnounceEpoch()
			for i := 0; i < perGoroutine; i++ {
				key := []byte(fmt.Sprintf("g%d-k%d", g, i))
				hv := idx.hash(key)
				assert.True(t, idx.Insert(w, key, g*perGoroutine+i, hv))
				idx.CheckExpand()
			}
			w.Recl.EnterQuiescent()
		}(g)
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*perGoroutine), idx.CurrentItemCount())

	w := idx.NewWorker(0)
	for g := 0; g < goroutines; g++ {
		for i := 0; i < perGoroutine; i++ {
			key := []byte(fmt.Sprintf("g%d-k%d", g, i))
			v, ok := idx.Find(w, key, idx.hash(key))
			assert.True(t, ok)
			assert.Equal(t, g*perGoroutine+i, v)
		}
	}
}
