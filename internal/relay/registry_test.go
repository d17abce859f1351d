package relay

import (
	"testing"
	"time"

	"github.com/danmuck/pqrelay/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterUnique(t *testing.T) {
	testlog.Start(t)
	r := NewOperatorRegistry(2)
	a := &operatorSession{}
	b := &operatorSession{}

	op, err := r.register("15", a, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "15", op.ID)

	_, err = r.register("15", b, time.Now())
	require.ErrorIs(t, err, ErrOperatorRegistered)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Lookup("15")
	require.True(t, ok)
	assert.Same(t, a, got.session)
}

func TestRegistryFull(t *testing.T) {
	testlog.Start(t)
	r := NewOperatorRegistry(1)
	_, err := r.register("1", &operatorSession{}, time.Now())
	require.NoError(t, err)
	assert.True(t, r.Full())

	_, err = r.register("2", &operatorSession{}, time.Now())
	require.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistryRemoveOnlyOwnBinding(t *testing.T) {
	testlog.Start(t)
	r := NewOperatorRegistry(3)
	owner := &operatorSession{}
	_, err := r.register("7", owner, time.Now())
	require.NoError(t, err)

	assert.False(t, r.remove("7", &operatorSession{}))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.remove("7", owner))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.remove("7", owner))
}

func TestRegistrySnapshotSorted(t *testing.T) {
	testlog.Start(t)
	r := NewOperatorRegistry(5)
	for _, id := range []string{"30", "10", "20"} {
		_, err := r.register(id, &operatorSession{queue: []*delivery{{}}}, time.Now())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"10", "20", "30"}, r.IDs())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "10", snap[0].ID)
	assert.Equal(t, 1, snap[0].Pending)
}
