package app

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transportRes(id domain.ResourceID, owner domain.UserID) Resource {
	return Resource{Kind: domain.KindTransport, ID: id, Owner: owner, Producing: true}
}

func producerRes(id, transport domain.ResourceID, owner domain.UserID) Resource {
	return Resource{Kind: domain.KindProducer, ID: id, Owner: owner, TransportID: transport, MediaKind: domain.MediaKindAudio}
}

func consumerRes(id, transport, producer domain.ResourceID, owner domain.UserID) Resource {
	return Resource{Kind: domain.KindConsumer, ID: id, Owner: owner, TransportID: transport, ProducerID: producer, MediaKind: domain.MediaKindAudio}
}

func TestTopologyPutAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()

	require.NoError(t, store.Put(ctx, transportRes("t1", "u1")))
	require.NoError(t, store.Put(ctx, producerRes("p1", "t1", "u1")))

	res, err := store.Get(domain.KindProducer, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), res.Owner)
	assert.False(t, res.CreatedAt.IsZero())

	_, err = store.Get(domain.KindProducer, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.GetOwned(domain.KindTransport, "t1", "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTopologyPutRejects(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()
	require.NoError(t, store.Put(ctx, transportRes("t1", "u1")))

	tests := []struct {
		name string
		ctx  context.Context
		res  Resource
		want error
	}{
		{"no owner", ctx, transportRes("t2", ""), domain.ErrUnauthenticated},
		{"duplicate", ctx, transportRes("t1", "u1"), domain.ErrEngineFailure},
		{"missing transport", ctx, producerRes("p1", "t9", "u1"), domain.ErrNotFound},
		{"missing producer", ctx, consumerRes("c1", "t1", "p9", "u1"), domain.ErrNotFound},
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	tests = append(tests, struct {
		name string
		ctx  context.Context
		res  Resource
		want error
	}{"closed session", cancelled, transportRes("t3", "u1"), domain.ErrSessionClosed})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := store.Snapshot()
			err := store.Put(tt.ctx, tt.res)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, store.Snapshot())
		})
	}
}

func TestRemoveIfOwnerChecksOwner(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()
	require.NoError(t, store.Put(ctx, transportRes("t1", "u1")))

	assert.False(t, store.RemoveIfOwner(domain.KindTransport, "t1", "u2"))
	_, err := store.Get(domain.KindTransport, "t1")
	require.NoError(t, err)

	assert.False(t, store.RemoveIfOwner(domain.KindProducer, "t1", "u1"))
	assert.True(t, store.RemoveIfOwner(domain.KindTransport, "t1", "u1"))
	assert.False(t, store.RemoveIfOwner(domain.KindTransport, "t1", "u1"))
	assert.Empty(t, store.AllOwnedBy("u1"))
}

func TestMarkAnnounced(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()
	require.NoError(t, store.Put(ctx, transportRes("t1", "u1")))
	require.NoError(t, store.Put(ctx, producerRes("p1", "t1", "u1")))

	res, err := store.Get(domain.KindProducer, "p1")
	require.NoError(t, err)
	assert.False(t, res.Announced)

	assert.False(t, store.MarkAnnounced("p1", "u2"))
	assert.True(t, store.MarkAnnounced("p1", "u1"))
	res, err = store.Get(domain.KindProducer, "p1")
	require.NoError(t, err)
	assert.True(t, res.Announced)
	assert.True(t, store.OwnedBy("u1", domain.KindProducer)[0].Announced)

	require.True(t, store.RemoveIfOwner(domain.KindProducer, "p1", "u1"))
	assert.False(t, store.MarkAnnounced("p1", "u1"))
}

func TestSweepOrdersProducersFirst(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()
	require.NoError(t, store.Put(ctx, transportRes("t1", "u1")))
	require.NoError(t, store.Put(ctx, transportRes("t2", "u1")))
	require.NoError(t, store.Put(ctx, producerRes("p1", "t1", "u1")))
	require.NoError(t, store.Put(ctx, consumerRes("c1", "t2", "p1", "u1")))
	require.NoError(t, store.Put(ctx, transportRes("t3", "u2")))
	require.NoError(t, store.Put(ctx, consumerRes("c2", "t3", "p1", "u2")))

	swept := store.Sweep("u1")
	require.Len(t, swept, 4)
	assert.Equal(t, domain.KindProducer, swept[0].Kind)
	assert.Equal(t, domain.KindConsumer, swept[1].Kind)
	assert.Equal(t, domain.KindTransport, swept[2].Kind)
	assert.Equal(t, domain.KindTransport, swept[3].Kind)

	assert.Empty(t, store.AllOwnedBy("u1"))
	assert.Len(t, store.AllOwnedBy("u2"), 2)
	assert.Empty(t, store.Sweep("u1"))

	// The other user's consumer of the swept producer is still indexed for the cascade.
	consumers := store.ConsumersOf("p1")
	require.Len(t, consumers, 1)
	assert.Equal(t, domain.ResourceID("c2"), consumers[0].ID)
}

func TestDependentsAndCounts(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()
	require.NoError(t, store.Put(ctx, transportRes("t1", "u1")))
	require.NoError(t, store.Put(ctx, producerRes("p1", "t1", "u1")))
	require.NoError(t, store.Put(ctx, consumerRes("c1", "t1", "p1", "u1")))

	deps := store.DependentsOf("t1")
	require.Len(t, deps, 2)
	assert.Equal(t, domain.KindProducer, deps[0].Kind)
	assert.Equal(t, domain.KindConsumer, deps[1].Kind)

	assert.Equal(t, map[domain.ResourceKind]int{
		domain.KindTransport: 1,
		domain.KindProducer:  1,
		domain.KindConsumer:  1,
	}, store.Counts())

	owned := store.OwnedBy("u1", domain.KindProducer)
	require.Len(t, owned, 1)
	assert.Equal(t, domain.ResourceID("p1"), owned[0].ID)
}

func TestTopologyConcurrentOwners(t *testing.T) {
	ctx := context.Background()
	store := NewTopology()
	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		owner := domain.UserID(fmt.Sprintf("u%d", u))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tid := domain.ResourceID(fmt.Sprintf("%s-t%d", owner, i))
				assert.NoError(t, store.Put(ctx, transportRes(tid, owner)))
				assert.NoError(t, store.Put(ctx, producerRes(tid+"-p", tid, owner)))
			}
			assert.Len(t, store.Sweep(owner), 100)
		}()
	}
	wg.Wait()
	assert.Empty(t, store.Snapshot())
	assert.Empty(t, store.locks.locks)
}

func TestSweepRacingPut(t *testing.T) {
	store := NewTopology()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.Put(ctx, transportRes("t0", "u1")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			err := store.Put(ctx, transportRes(domain.ResourceID(fmt.Sprintf("t%d", i+1)), "u1"))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrSessionClosed)
			}
		}
	}()
	go func() {
		defer wg.Done()
		cancel()
		store.Sweep("u1")
	}()
	wg.Wait()

	// Anything that slipped in before cancel is caught by a final sweep; nothing lands after.
	store.Sweep("u1")
	assert.ErrorIs(t, store.Put(ctx, transportRes("late", "u1")), domain.ErrSessionClosed)
	assert.Empty(t, store.AllOwnedBy("u1"))
}
