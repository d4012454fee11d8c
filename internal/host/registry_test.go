package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := newRegistry()

	sess := &Session{ID: "sess_1", WorkspacePath: "/ws", Slot: "t1"}
	r.add(sess)

	got, ok := r.get("sess_1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	got, ok = r.getByKey("/ws", "t1")
	require.True(t, ok)
	assert.Same(t, sess, got)

	removed, ok := r.remove("sess_1")
	require.True(t, ok)
	assert.Same(t, sess, removed)

	_, ok = r.get("sess_1")
	assert.False(t, ok)
	_, ok = r.getByKey("/ws", "t1")
	assert.False(t, ok, "secondary index entry must go with the primary")
}

func TestRegistryRemoveUnknown(t *testing.T) {
	r := newRegistry()

	_, ok := r.remove("sess_missing")
	assert.False(t, ok)
}

func TestRegistryRemoveKeepsNewerKeyOwner(t *testing.T) {
	r := newRegistry()

	old := &Session{ID: "sess_old", WorkspacePath: "/ws", Slot: "t1"}
	r.add(old)

	// A newer session takes over the same (workspace, slot) key.
	fresh := &Session{ID: "sess_new", WorkspacePath: "/ws", Slot: "t1"}
	r.add(fresh)

	// Removing the stale session must not clobber the key's new owner.
	_, ok := r.remove("sess_old")
	require.True(t, ok)

	got, ok := r.getByKey("/ws", "t1")
	require.True(t, ok)
	assert.Equal(t, "sess_new", got.ID)
}

func TestRegistryList(t *testing.T) {
	r := newRegistry()

	r.add(&Session{ID: "sess_a", WorkspacePath: "/ws", Slot: "t1"})
	r.add(&Session{ID: "sess_b", WorkspacePath: "/ws", Slot: "t2"})

	ids := map[string]bool{}
	for _, s := range r.list() {
		ids[s.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.True(t, ids["sess_a"])
	assert.True(t, ids["sess_b"])
}
