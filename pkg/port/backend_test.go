package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFleeStorage(t *testing.T) {
	store := NewFleeStorage(2)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("set", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("k1"), value: []byte("v1")})
		store.Set(SetCommand{key: []byte("k2"), value: []byte("v2")})
		store.Set(SetCommand{key: []byte("k3"), value: []byte("v3")})
	})
	t.Run("get_existing_key", func(t *testing.T) {
		val, err := store.Get([]byte("k1"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("v1"), val)
	})
	t.Run("get_non_existent_key", func(t *testing.T) {
		_, err := store.Get([]byte("non_existent"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
	t.Run("delete_existing_key", func(t *testing.T) {
		assert.NoError(t, store.Delete([]byte("k2")))
		_, err := store.Get([]byte("k2"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
	t.Run("delete_non_existent_key", func(t *testing.T) {
		assert.ErrorIs(t, store.Delete([]byte("random")), ErrKeyNotFound)
	})

	// Tests for SET NX (set if not exists) semantics.
	t.Run("set_nx_on_non_existent_key", func(t *testing.T) {
		result := store.Set(SetCommand{key: []byte("nx_key"), value: []byte("nx_value"), existence: ifNotExists})
		assert.True(t, result.couldSet, "Should set key when it doesn't exist with NX")

		val, err := store.Get([]byte("nx_key"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("nx_value"), val)
	})

	t.Run("set_nx_on_existing_key", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("existing_nx"), value: []byte("original")})
		result := store.Set(SetCommand{key: []byte("existing_nx"), value: []byte("new_value"), existence: ifNotExists})
		assert.False(t, result.couldSet, "Should NOT set key when it exists with NX")

		val, err := store.Get([]byte("existing_nx"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("original"), val)
	})

	// Tests for SET XX (set if exists) semantics.
	t.Run("set_xx_on_existing_key", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("existing_xx"), value: []byte("original")})
		result := store.Set(SetCommand{key: []byte("existing_xx"), value: []byte("updated"), existence: ifExists})
		assert.True(t, result.couldSet, "Should set key when it exists with XX")

		val, err := store.Get([]byte("existing_xx"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("updated"), val)
	})

	t.Run("set_xx_on_non_existent_key", func(t *testing.T) {
		result := store.Set(SetCommand{key: []byte("non_existent_xx"), value: []byte("value"), existence: ifExists})
		assert.False(t, result.couldSet, "Should NOT set key when it doesn't exist with XX")

		_, err := store.Get([]byte("non_existent_xx"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	// Tests for SET GET option (return previous value).
	t.Run("set_get_on_existing_key", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("get_key"), value: []byte("old_value")})
		result := store.Set(SetCommand{key: []byte("get_key"), value: []byte("new_value"), get: true})
		assert.True(t, result.couldSet)
		assert.True(t, result.hasPreviousValue, "Should indicate previous value exists")
		assert.Equal(t, []byte("old_value"), result.previousValue)

		val, err := store.Get([]byte("get_key"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("new_value"), val)
	})

	t.Run("set_get_on_non_existent_key", func(t *testing.T) {
		result := store.Set(SetCommand{key: []byte("get_key_new"), value: []byte("value"), get: true})
		assert.True(t, result.couldSet)
		assert.False(t, result.hasPreviousValue, "Should indicate no previous value")
		assert.Nil(t, result.previousValue)
	})

	// Tests for combined options.
	t.Run("set_nx_with_get", func(t *testing.T) {
		result := store.Set(SetCommand{key: []byte("nx_get_new"), value: []byte("value"), existence: ifNotExists, get: true})
		assert.True(t, result.couldSet)
		assert.False(t, result.hasPreviousValue)
		assert.Nil(t, result.previousValue)

		result = store.Set(SetCommand{key: []byte("nx_get_new"), value: []byte("new_value"), existence: ifNotExists, get: true})
		assert.False(t, result.couldSet)
		assert.True(t, result.hasPreviousValue)
	})

	t.Run("set_after_delete", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("del_set"), value: []byte("v1")})
		assert.NoError(t, store.Delete([]byte("del_set")))

		result := store.Set(SetCommand{key: []byte("del_set"), value: []byte("v2")})
		assert.True(t, result.couldSet)

		val, err := store.Get([]byte("del_set"))
		assert.NoError(t, err)
		assert.Equal(t, []byte("v2"), val)
	})

	t.Run("set_nx_after_delete", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("del_nx"), value: []byte("v1")})
		assert.NoError(t, store.Delete([]byte("del_nx")))

		result := store.Set(SetCommand{key: []byte("del_nx"), value: []byte("v2"), existence: ifNotExists})
		assert.True(t, result.couldSet, "NX should succeed after delete")
	})

	t.Run("set_xx_after_delete", func(t *testing.T) {
		store.Set(SetCommand{key: []byte("del_xx"), value: []byte("v1")})
		assert.NoError(t, store.Delete([]byte("del_xx")))

		result := store.Set(SetCommand{key: []byte("del_xx"), value: []byte("v2"), existence: ifExists})
		assert.False(t, result.couldSet, "XX should fail after delete")
	})

	t.Run("current_item_count_reflects_live_keys", func(t *testing.T) {
		before := store.CurrentItemCount()
		store.Set(SetCommand{key: []byte("count_me"), value: []byte("v")})
		assert.Equal(t, before+1, store.CurrentItemCount())
		assert.NoError(t, store.Delete([]byte("count_me")))
		assert.Equal(t, before, store.CurrentItemCount())
	})
}
