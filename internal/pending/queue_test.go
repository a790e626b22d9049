package pending

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/relaycore/internal/adapters/memstore"
	"github.com/bft-labs/relaycore/internal/domain"
)

func env(id string, createdAt time.Time) domain.Envelope {
	return domain.Envelope{
		ID:          id,
		Event:       "notify",
		CreatedAt:   createdAt,
		RequiresAck: true,
		MaxRetries:  3,
	}
}

func TestQueue_BoundEvictsOldestFirst(t *testing.T) {
	q := New(3, time.Hour, nil, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 4; i++ {
		q.Enqueue(ctx, "alice", env(fmt.Sprintf("e-%d", i), base.Add(time.Duration(i)*time.Millisecond)))
	}

	require.Equal(t, 3, q.Len("alice"))
	drained := q.Drain(ctx, "alice", nil)
	require.Len(t, drained, 3)
	assert.Equal(t, "e-1", drained[0].ID, "oldest entry should have been evicted")
	assert.Equal(t, "e-3", drained[2].ID)
}

func TestQueue_DrainPreservesCreationOrder(t *testing.T) {
	q := New(10, time.Hour, nil, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	q.Enqueue(ctx, "alice", env("a", base))
	q.Enqueue(ctx, "alice", env("b", base.Add(time.Second)))

	drained := q.Drain(ctx, "alice", nil)
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].ID)
	assert.Equal(t, "b", drained[1].ID)

	assert.Empty(t, q.Drain(ctx, "alice", nil), "second drain should be empty")
}

func TestQueue_DrainDropsExpiredSilently(t *testing.T) {
	q := New(10, time.Hour, nil, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := env("old", now.Add(-time.Minute))
	expired.ExpiresAt = now.Add(-time.Second)
	q.Enqueue(ctx, "alice", expired)
	q.Enqueue(ctx, "alice", env("fresh", now))

	drained := q.Drain(ctx, "alice", nil)
	require.Len(t, drained, 1)
	assert.Equal(t, "fresh", drained[0].ID)
}

func TestQueue_DrainMergesDurableMirror(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	base := time.Now().UTC()

	// A previous process mirrored an envelope, then restarted: memory empty.
	before := New(10, time.Hour, store, nil)
	before.Mirror(ctx, "alice", env("survivor", base))

	after := New(10, time.Hour, store, nil)
	after.Enqueue(ctx, "alice", env("fresh", base.Add(time.Second)))

	drained := after.Drain(ctx, "alice", nil)
	require.Len(t, drained, 2)
	assert.Equal(t, "survivor", drained[0].ID)
	assert.Equal(t, "fresh", drained[1].ID)
}

func TestQueue_DrainExcludesInflightIDs(t *testing.T) {
	store := memstore.New()
	q := New(10, time.Hour, store, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	// Mirrored because it is in flight on a live connection elsewhere.
	q.Mirror(ctx, "alice", env("inflight", base))
	q.Enqueue(ctx, "alice", env("queued", base.Add(time.Second)))

	drained := q.Drain(ctx, "alice", map[string]struct{}{"inflight": {}})
	require.Len(t, drained, 1)
	assert.Equal(t, "queued", drained[0].ID)
}

func TestQueue_UnmirrorRemovesDurableCopy(t *testing.T) {
	store := memstore.New()
	q := New(10, time.Hour, store, nil)
	ctx := context.Background()

	q.Mirror(ctx, "alice", env("e-1", time.Now().UTC()))
	q.Unmirror(ctx, []string{"alice", "conn-9"}, "e-1")

	assert.Empty(t, q.Drain(ctx, "alice", nil))
}

func TestQueue_SinceFiltersByCreationTime(t *testing.T) {
	q := New(10, time.Hour, nil, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	q.Enqueue(ctx, "alice", env("old", base.Add(-time.Hour)))
	q.Enqueue(ctx, "alice", env("recent", base))

	got := q.Since(ctx, "alice", base.Add(-time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, "recent", got[0].ID)

	// Since is non-destructive.
	assert.Equal(t, 2, q.Len("alice"))
}

// failingStore always errors, to exercise degraded memory-only mode.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Push(context.Context, string, []byte) error { return errStoreDown }
func (failingStore) List(context.Context, string) ([][]byte, error) {
	return nil, errStoreDown
}
func (failingStore) Remove(context.Context, string, func([]byte) bool) error {
	return errStoreDown
}
func (failingStore) Expire(context.Context, string, time.Duration) error { return errStoreDown }

func TestQueue_StoreFailureDegradesToMemoryOnly(t *testing.T) {
	q := New(10, time.Hour, failingStore{}, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	q.Enqueue(ctx, "alice", env("a", base))
	q.Enqueue(ctx, "alice", env("b", base.Add(time.Second)))

	// Delivery keeps working from memory despite the dead store.
	drained := q.Drain(ctx, "alice", nil)
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].ID)
}
