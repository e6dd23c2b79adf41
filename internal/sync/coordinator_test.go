package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/document"
	"github.com/matthewcorven/synckit-sub003/internal/protocol"
	"github.com/matthewcorven/synckit-sub003/internal/store"
)

// fakeSender records everything coordinators emit.
type fakeSender struct {
	mu         stdsync.Mutex
	sent       map[string][]*protocol.Message
	broadcasts []broadcastCall
	closed     map[string]protocol.CloseCode
}

type broadcastCall struct {
	docID   string
	msg     *protocol.Message
	exclude string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:   make(map[string][]*protocol.Message),
		closed: make(map[string]protocol.CloseCode),
	}
}

func (f *fakeSender) Send(connID string, msg *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], msg)
	return true
}

func (f *fakeSender) Broadcast(docID string, msg *protocol.Message, exclude string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastCall{docID: docID, msg: msg, exclude: exclude})
}

func (f *fakeSender) CloseConn(connID string, code protocol.CloseCode, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID] = code
}

func (f *fakeSender) sentTo(connID string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.sent[connID]))
	copy(out, f.sent[connID])
	return out
}

func (f *fakeSender) allBroadcasts() []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcastCall, len(f.broadcasts))
	copy(out, f.broadcasts)
	return out
}

func (f *fakeSender) waitSent(t *testing.T, connID string, n int) []*protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.sentTo(connID); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection %s never received %d messages", connID, n)
	return nil
}

func (f *fakeSender) waitBroadcasts(t *testing.T, n int) []broadcastCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bs := f.allBroadcasts(); len(bs) >= n {
			return bs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d broadcasts (got %d)", n, len(f.allBroadcasts()))
	return nil
}

type testRig struct {
	coord  *Coordinator
	sender *fakeSender
	store  *store.MemoryStore
	bus    *bus.MemoryBus
}

func newRig(t *testing.T, nodeID string) *testRig {
	t.Helper()
	sender := newFakeSender()
	st := store.NewMemoryStore()
	b := bus.NewMemoryBus()
	c := NewCoordinator(
		document.NewState("d1"), st, b, bus.NewChannels(""),
		sender, zerolog.Nop(),
		Options{NodeID: nodeID}, nil,
	)
	t.Cleanup(c.Stop)
	return &testRig{coord: c, sender: sender, store: st, bus: b}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestSubscribeSendsSnapshot(t *testing.T) {
	rig := newRig(t, "node-a")

	require.NoError(t, rig.coord.Subscribe("c1"))
	msgs := rig.sender.waitSent(t, "c1", 1)
	assert.Equal(t, protocol.KindSyncResponse, msgs[0].Type)
	assert.Equal(t, "d1", msgs[0].DocID)
	assert.Empty(t, msgs[0].Fields)
}

func TestDeltaAppliesPersistsAcksBroadcasts(t *testing.T) {
	rig := newRig(t, "node-a")
	require.NoError(t, rig.coord.Subscribe("c1"))
	require.NoError(t, rig.coord.Subscribe("c2"))

	err := rig.coord.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"title": raw(`"hi"`)},
		document.VectorClock{"alpha": 1})
	require.NoError(t, err)

	// Ack carries the original message id and the updated clock.
	msgs := rig.sender.waitSent(t, "c1", 2)
	ack := msgs[1]
	assert.Equal(t, protocol.KindAck, ack.Type)
	assert.Equal(t, "m1", ack.ID)
	assert.Equal(t, int64(1), ack.VectorClock["alpha"])
	assert.Equal(t, int64(1), ack.VectorClock["node-a"])

	// Broadcast excludes the originator and carries the winning record.
	bs := rig.sender.waitBroadcasts(t, 1)
	assert.Equal(t, "c1", bs[0].exclude)
	assert.Equal(t, protocol.KindDelta, bs[0].msg.Type)
	assert.JSONEq(t, `"hi"`, string(bs[0].msg.Fields["title"].Value))
	assert.Equal(t, "alpha", bs[0].msg.Fields["title"].ClientID)

	// Persisted before the ack.
	st, err := rig.store.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(st.Fields["title"].Value))
}

func TestLWWTieBreakPrefersHigherWriter(t *testing.T) {
	rig := newRig(t, "node-a")
	require.NoError(t, rig.coord.Subscribe("c1"))
	require.NoError(t, rig.coord.Subscribe("c2"))

	require.NoError(t, rig.coord.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"f": raw(`"from-alpha"`)},
		document.VectorClock{"alpha": 1}))
	require.NoError(t, rig.coord.ApplyDelta("c2", "beta", "m2", 1000,
		map[string]json.RawMessage{"f": raw(`"from-beta"`)},
		document.VectorClock{"beta": 1}))

	bs := rig.sender.waitBroadcasts(t, 2)

	// Stored value is beta's (lexicographic max at a full timestamp and
	// counter tie).
	st, err := rig.store.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `"from-beta"`, string(st.Fields["f"].Value))
	assert.Equal(t, "beta", st.Fields["f"].Writer)

	// Each broadcast excludes only its originator and reflects the LWW
	// winner at that point.
	assert.Equal(t, "c1", bs[0].exclude)
	assert.Equal(t, "c2", bs[1].exclude)
	assert.JSONEq(t, `"from-beta"`, string(bs[1].msg.Fields["f"].Value))
}

func TestLosingDeltaStillAcksAndBroadcastsWinner(t *testing.T) {
	rig := newRig(t, "node-a")
	require.NoError(t, rig.coord.Subscribe("c1"))

	require.NoError(t, rig.coord.ApplyDelta("c1", "beta", "m1", 2000,
		map[string]json.RawMessage{"f": raw(`"new"`)},
		document.VectorClock{"beta": 1}))
	rig.sender.waitSent(t, "c1", 2)

	// An older write loses but the sender still gets an ack and peers a
	// broadcast carrying the stored winner.
	require.NoError(t, rig.coord.ApplyDelta("c1", "alpha", "m2", 1000,
		map[string]json.RawMessage{"f": raw(`"old"`)},
		document.VectorClock{"alpha": 1}))

	msgs := rig.sender.waitSent(t, "c1", 3)
	assert.Equal(t, protocol.KindAck, msgs[2].Type)
	assert.Equal(t, "m2", msgs[2].ID)

	bs := rig.sender.waitBroadcasts(t, 2)
	assert.JSONEq(t, `"new"`, string(bs[1].msg.Fields["f"].Value))
	assert.Equal(t, "beta", bs[1].msg.Fields["f"].ClientID)
}

func TestSyncRequestReturnsDiff(t *testing.T) {
	rig := newRig(t, "node-a")

	require.NoError(t, rig.coord.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"a": raw(`1`)},
		document.VectorClock{"alpha": 1}))
	require.NoError(t, rig.coord.ApplyDelta("c1", "beta", "m2", 2000,
		map[string]json.RawMessage{"b": raw(`2`)},
		document.VectorClock{"beta": 3}))
	rig.sender.waitSent(t, "c1", 2)

	// Empty clock means everything.
	require.NoError(t, rig.coord.SyncRequest("c2", "r1", nil))
	msgs := rig.sender.waitSent(t, "c2", 1)
	full := msgs[0]
	assert.Equal(t, protocol.KindSyncResponse, full.Type)
	assert.Equal(t, "r1", full.ID)
	assert.Len(t, full.Fields, 2)
	assert.Equal(t, int64(1), full.VectorClock["alpha"])
	assert.Equal(t, int64(3), full.VectorClock["beta"])

	// A caller that has seen alpha's write gets only beta's.
	require.NoError(t, rig.coord.SyncRequest("c2", "r2", document.VectorClock{"alpha": 1}))
	msgs = rig.sender.waitSent(t, "c2", 2)
	assert.Len(t, msgs[1].Fields, 1)
	assert.Contains(t, msgs[1].Fields, "b")
}

func TestIdempotentBusDelivery(t *testing.T) {
	rig := newRig(t, "node-a")

	env := &bus.Envelope{
		Origin: "node-b",
		DocID:  "d1",
		Kind:   "delta",
		Fields: map[string]document.FieldRecord{
			"f": {Value: raw(`"x"`), Timestamp: 1000, Clock: 1, Writer: "alpha"},
		},
		VectorClock: document.VectorClock{"alpha": 1},
	}

	ctx := context.Background()
	ch := bus.NewChannels("").Doc("d1")
	require.NoError(t, rig.bus.Publish(ctx, ch, env))
	require.NoError(t, rig.bus.Publish(ctx, ch, env))

	// First delivery changes state and broadcasts; the duplicate is a
	// no-op.
	bs := rig.sender.waitBroadcasts(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rig.sender.allBroadcasts(), len(bs))

	st, err := rig.store.Load(ctx, "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(st.Fields["f"].Value))
}

func TestOwnEnvelopeIsDropped(t *testing.T) {
	rig := newRig(t, "node-a")

	env := &bus.Envelope{
		Origin: "node-a",
		DocID:  "d1",
		Fields: map[string]document.FieldRecord{
			"f": {Value: raw(`"loop"`), Timestamp: 1000, Clock: 1, Writer: "alpha"},
		},
	}
	require.NoError(t, rig.bus.Publish(context.Background(), bus.NewChannels("").Doc("d1"), env))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rig.sender.allBroadcasts())
	_, err := rig.store.Load(context.Background(), "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCrossNodeConvergence(t *testing.T) {
	// Two coordinators for the same document share one bus. A delta on
	// either side must land on both.
	sharedBus := bus.NewMemoryBus()
	chans := bus.NewChannels("")

	senderA, senderB := newFakeSender(), newFakeSender()
	storeA, storeB := store.NewMemoryStore(), store.NewMemoryStore()

	coordA := NewCoordinator(document.NewState("d1"), storeA, sharedBus, chans,
		senderA, zerolog.Nop(), Options{NodeID: "node-a"}, nil)
	defer coordA.Stop()
	coordB := NewCoordinator(document.NewState("d1"), storeB, sharedBus, chans,
		senderB, zerolog.Nop(), Options{NodeID: "node-b"}, nil)
	defer coordB.Stop()

	require.NoError(t, coordB.Subscribe("remote-sub"))
	senderB.waitSent(t, "remote-sub", 1)

	require.NoError(t, coordA.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"f": raw(`"hello"`)},
		document.VectorClock{"alpha": 1}))

	// Node B's subscriber sees the delta via the bus, with the original
	// writer id preserved.
	bs := senderB.waitBroadcasts(t, 1)
	assert.Equal(t, "", bs[0].exclude)
	assert.JSONEq(t, `"hello"`, string(bs[0].msg.Fields["f"].Value))
	assert.Equal(t, "alpha", bs[0].msg.Fields["f"].ClientID)

	// Node A broadcast exactly once (no self-echo from the bus).
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, senderA.allBroadcasts(), 1)

	st, err := storeB.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(st.Fields["f"].Value))
}

// flakyStore fails ApplyDelta a fixed number of times before succeeding.
type flakyStore struct {
	*store.MemoryStore
	mu       stdsync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) ApplyDelta(ctx context.Context, docID string, fields map[string]document.FieldRecord, vc document.VectorClock) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return assert.AnError
	}
	return f.MemoryStore.ApplyDelta(ctx, docID, fields, vc)
}

func TestPersistRetriesBeforeAck(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 2}
	sender := newFakeSender()
	c := NewCoordinator(document.NewState("d1"), fs, bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a"}, nil)
	defer c.Stop()

	require.NoError(t, c.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"f": raw(`1`)},
		document.VectorClock{"alpha": 1}))

	msgs := sender.waitSent(t, "c1", 1)
	assert.Equal(t, protocol.KindAck, msgs[0].Type)

	st, err := fs.Load(context.Background(), "d1")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(st.Fields["f"].Value))
}

func TestPersistExhaustionClosesOriginator(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 100}
	sender := newFakeSender()
	c := NewCoordinator(document.NewState("d1"), fs, bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a"}, nil)
	defer c.Stop()

	require.NoError(t, c.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"f": raw(`1`)},
		document.VectorClock{"alpha": 1}))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sender.mu.Lock()
		code, closed := sender.closed["c1"]
		sender.mu.Unlock()
		if closed {
			assert.Equal(t, protocol.CloseServerError, code)
			assert.Empty(t, sender.sentTo("c1"), "no ack after failed persistence")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("originator was never closed")
}

func TestQueueOverflowReturnsErrBusy(t *testing.T) {
	sender := newFakeSender()
	c := NewCoordinator(document.NewState("d1"), store.NewMemoryStore(), bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a", QueueDepth: 1}, nil)
	defer c.Stop()

	// Saturate the one-slot queue. The worker may drain a few, so keep
	// pushing until the enqueue fails.
	var sawBusy bool
	for i := 0; i < 10_000; i++ {
		if err := c.SyncRequest("c1", "r", nil); errors.Is(err, ErrBusy) {
			sawBusy = true
			break
		}
	}
	assert.True(t, sawBusy)
}

func TestBatchCoalescing(t *testing.T) {
	sender := newFakeSender()
	c := NewCoordinator(document.NewState("d1"), store.NewMemoryStore(), bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a", BatchDelay: 30 * time.Millisecond}, nil)
	defer c.Stop()

	require.NoError(t, c.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"a": raw(`1`)}, document.VectorClock{"alpha": 1}))
	require.NoError(t, c.ApplyDelta("c1", "alpha", "m2", 1001,
		map[string]json.RawMessage{"b": raw(`2`)}, document.VectorClock{"alpha": 2}))

	bs := sender.waitBroadcasts(t, 1)
	assert.Len(t, bs, 1, "two deltas inside the window coalesce into one frame")
	assert.Len(t, bs[0].msg.Fields, 2)
}

func TestBatchFlushesAtSize(t *testing.T) {
	sender := newFakeSender()
	// A delay far beyond the wait deadline: only the size trigger can
	// flush in time.
	c := NewCoordinator(document.NewState("d1"), store.NewMemoryStore(), bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a", BatchDelay: 5 * time.Second, BatchSize: 2}, nil)
	defer c.Stop()

	require.NoError(t, c.ApplyDelta("c1", "alpha", "m1", 1000,
		map[string]json.RawMessage{"a": raw(`1`)}, document.VectorClock{"alpha": 1}))
	require.NoError(t, c.ApplyDelta("c1", "alpha", "m2", 1001,
		map[string]json.RawMessage{"b": raw(`2`)}, document.VectorClock{"alpha": 2}))

	bs := sender.waitBroadcasts(t, 1)
	assert.Len(t, bs[0].msg.Fields, 2)
}

func TestEnqueueAfterStopReportsStopped(t *testing.T) {
	sender := newFakeSender()
	c := NewCoordinator(document.NewState("d1"), store.NewMemoryStore(), bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a"}, nil)
	c.Stop()

	assert.ErrorIs(t, c.Subscribe("c1"), ErrStopped)
	assert.ErrorIs(t, c.SyncRequest("c1", "r1", nil), ErrStopped)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	sender := newFakeSender()
	c := NewCoordinator(document.NewState("d1"), store.NewMemoryStore(), bus.NewMemoryBus(), bus.NewChannels(""),
		sender, zerolog.Nop(), Options{NodeID: "node-a"}, nil)

	require.NoError(t, c.Subscribe("c1"))
	const deltas = 50
	for i := 0; i < deltas; i++ {
		require.NoError(t, c.ApplyDelta("c1", "alpha", fmt.Sprintf("m%d", i), int64(1000+i),
			map[string]json.RawMessage{"f": raw(`1`)}, document.VectorClock{"alpha": int64(i + 1)}))
	}
	c.Stop()

	// Everything enqueued before the stop is handled: the snapshot plus
	// one ack per delta, nothing lost to the teardown race.
	msgs := sender.sentTo("c1")
	assert.Len(t, msgs, deltas+1)
}

func TestManagerGetAndLookup(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.ApplyDelta(context.Background(), "d1",
		map[string]document.FieldRecord{"f": {Value: raw(`"persisted"`), Timestamp: 1, Clock: 1, Writer: "alpha"}},
		document.VectorClock{"alpha": 1}))

	sender := newFakeSender()
	m := NewManager(st, bus.NewMemoryBus(), bus.NewChannels(""), sender, zerolog.Nop(), Options{NodeID: "node-a"})
	defer m.Shutdown()

	c1, err := m.Get(context.Background(), "d1")
	require.NoError(t, err)
	c2, err := m.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, m.DocumentCount())

	// Persisted state is visible to the first subscriber.
	require.NoError(t, c1.Subscribe("conn"))
	msgs := sender.waitSent(t, "conn", 1)
	assert.JSONEq(t, `"persisted"`, string(msgs[0].Fields["f"].Value))

	assert.Nil(t, m.Lookup("other"))
}

func TestManagerUnloadsIdleCoordinator(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(store.NewMemoryStore(), bus.NewMemoryBus(), bus.NewChannels(""), sender, zerolog.Nop(),
		Options{NodeID: "node-a", UnloadGrace: 30 * time.Millisecond})
	defer m.Shutdown()

	c, err := m.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.NoError(t, c.Subscribe("conn"))
	sender.waitSent(t, "conn", 1)
	require.NoError(t, c.Unsubscribe("conn"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.DocumentCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle coordinator was never unloaded")
}
