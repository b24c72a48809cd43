package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	o         *Orchestrator
	reg       *app.Registry
	store     *app.Topology
	router    *testutil.Router
	validator *testutil.Validator
	notifier  *testutil.Notifier
	wire      *testutil.Wire
	conns     map[core.SessionID]*testutil.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:    app.NewRegistry(),
		store:  app.NewTopology(),
		router: testutil.NewRouter(),
		validator: testutil.NewValidator(map[string]domain.UserID{
			"tokA": "u1",
			"tokB": "u2",
			"tokC": "u3",
		}),
		notifier: &testutil.Notifier{},
		wire:     &testutil.Wire{},
		conns:    make(map[core.SessionID]*testutil.Conn),
	}
	h.o = New(h.reg, h.store, h.router, h.validator, h.notifier, app.DropPolicy{})
	h.o.AckTimeout = time.Second
	return h
}

func (h *harness) connect(name string) core.SessionID {
	sid := core.SessionID(name)
	conn := testutil.NewConn(name, h.wire)
	h.conns[sid] = conn
	h.reg.BindSignal(context.Background(), sid, "client-"+name, conn)
	return sid
}

func (h *harness) login(t *testing.T, name, token, user string) core.SessionID {
	t.Helper()
	sid := h.connect(name)
	res, err := h.o.Authenticate(context.Background(), sid, token, user)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	return sid
}

func (h *harness) ack(sid core.SessionID) AckFunc {
	return func(ctx context.Context, reply any) error {
		frame, err := core.EncodeReply(1, reply)
		if err != nil {
			return err
		}
		return h.conns[sid].SendSync(ctx, frame)
	}
}

func (h *harness) transport(t *testing.T, sid core.SessionID) domain.ResourceID {
	t.Helper()
	info, err := h.o.CreateTransport(sid, true, true)
	require.NoError(t, err)
	require.NoError(t, h.o.ConnectTransport(sid, connectReq(info.ID)))
	return info.ID
}

func (h *harness) produce(t *testing.T, sid core.SessionID, transportID domain.ResourceID) domain.ResourceID {
	t.Helper()
	res, err := h.o.Produce(sid, produceReq(transportID), h.ack(sid))
	require.NoError(t, err)
	return res.ID
}

func connectReq(id domain.ResourceID) ConnectRequest {
	return ConnectRequest{
		TransportID: id,
		DtlsParameters: domain.DtlsParameters{
			Role:         "client",
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
		},
		IceParameters: &domain.IceParameters{UsernameFragment: "u", Password: "p"},
	}
}

func produceReq(id domain.ResourceID) ProduceRequest {
	return ProduceRequest{
		TransportID: id,
		Kind:        domain.MediaKindAudio,
		RtpParameters: domain.RtpParameters{
			Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []domain.RtpEncodingParameters{{Ssrc: 1111}},
		},
	}
}

func deliveredTo(name, typ string) func(testutil.Delivery) bool {
	return func(d testutil.Delivery) bool { return d.To == name && d.Type == typ }
}

func eventsTo(w *testutil.Wire, name, typ string) []testutil.Delivery {
	out := make([]testutil.Delivery, 0)
	for _, d := range w.Log() {
		if d.To == name && d.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestUnauthenticatedSessionCannotTouchStore(t *testing.T) {
	h := newHarness(t)
	owner := h.login(t, "B", "tokB", "u2")
	tid := h.transport(t, owner)
	pid := h.produce(t, owner, tid)

	before := h.store.Snapshot()
	live := h.router.Live()

	sid := h.connect("A")
	_, err := h.o.GetRtpCapabilities(sid)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = h.o.CreateTransport(sid, true, false)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.ErrorIs(t, h.o.ConnectTransport(sid, connectReq(tid)), domain.ErrUnauthenticated)
	_, err = h.o.Produce(sid, produceReq(tid), nil)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = h.o.Consume(sid, ConsumeRequest{TransportID: tid, ProducerID: pid, RtpCapabilities: h.router.Caps})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	assert.ErrorIs(t, h.o.ResumeConsumer(sid, "consumer-1"), domain.ErrUnauthenticated)
	assert.ErrorIs(t, h.o.CloseProducer(sid, pid), domain.ErrUnauthenticated)
	assert.ErrorIs(t, h.o.JoinCall(sid, "call42"), domain.ErrUnauthenticated)

	assert.Equal(t, before, h.store.Snapshot())
	assert.Equal(t, live, h.router.Live())
}

func TestInvalidTokenLeavesSessionUnauthenticated(t *testing.T) {
	h := newHarness(t)
	sid := h.connect("A")

	res, err := h.o.Authenticate(context.Background(), sid, "bogus", "u1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	_, err = h.o.GetRtpCapabilities(sid)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestValidatorOutageFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.validator.Err = domain.ErrUpstreamUnavailable
	sid := h.connect("A")

	res, err := h.o.Authenticate(context.Background(), sid, "tokA", "u1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, h.reg.IsAuthenticated(sid))
}

func TestAuthenticateRejectsMissingInput(t *testing.T) {
	h := newHarness(t)
	sid := h.connect("A")

	res, err := h.o.Authenticate(context.Background(), sid, "", "u1")
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = h.o.Authenticate(context.Background(), sid, "tokA", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, h.validator.Calls())

	_, err = h.o.Authenticate(context.Background(), "gone", "tokA", "u1")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestReauthentication(t *testing.T) {
	h := newHarness(t)
	sid := h.login(t, "A", "tokA", "u1")

	res, err := h.o.Authenticate(context.Background(), sid, "tokA", "u1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = h.o.Authenticate(context.Background(), sid, "tokB", "u2")
	require.NoError(t, err)
	assert.False(t, res.Success)

	s, ok := h.reg.GetSession(sid)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u1"), s.UserID)
}

func TestTwoPartyCall(t *testing.T) {
	h := newHarness(t)

	a := h.login(t, "A", "tokA", "u1")
	caps, err := h.o.GetRtpCapabilities(a)
	require.NoError(t, err)
	assert.NotEmpty(t, caps.Codecs)
	tid := h.transport(t, a)
	pid := h.produce(t, a, tid)
	require.NoError(t, h.o.JoinCall(a, "call42"))

	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(b, "call42"))

	announced := eventsTo(h.wire, "B", core.EventNewProducer)
	require.Len(t, announced, 1)
	ev := decode[NewProducerEvent](t, announced[0].Data)
	assert.Equal(t, pid, ev.ProducerID)
	assert.Equal(t, domain.UserID("u1"), ev.UserID)
	assert.Equal(t, domain.MediaKindAudio, ev.Kind)

	h.o.OnDisconnect(a)

	assert.Empty(t, h.store.AllOwnedBy("u1"))
	assert.Equal(t, 1, h.notifier.Count(domain.EventCallLeft, "u1", "call42"))
	assert.Equal(t, 1, h.notifier.Count(domain.EventCallJoined, "u2", "call42"))
	_, ok := h.reg.GetSession(a)
	assert.False(t, ok)
}

func TestProducerBroadcastToRoomMembers(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	c := h.login(t, "C", "tokC", "u3")
	require.NoError(t, h.o.JoinCall(a, "call42"))
	require.NoError(t, h.o.JoinCall(b, "call42"))
	require.NoError(t, h.o.JoinCall(c, "other"))

	pid := h.produce(t, a, h.transport(t, a))

	assert.Len(t, eventsTo(h.wire, "B", core.EventNewProducer), 1)
	assert.Empty(t, eventsTo(h.wire, "A", core.EventNewProducer))
	assert.Empty(t, eventsTo(h.wire, "C", core.EventNewProducer))

	ev := decode[NewProducerEvent](t, eventsTo(h.wire, "B", core.EventNewProducer)[0].Data)
	assert.Equal(t, pid, ev.ProducerID)
}

func TestAckPrecedesBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(a, "call42"))
	require.NoError(t, h.o.JoinCall(b, "call42"))
	tid := h.transport(t, a)

	release := h.conns[a].Hold()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.o.Produce(a, produceReq(tid), h.ack(a))
		assert.NoError(t, err)
	}()

	assert.Never(t, func() bool {
		return h.wire.Index(deliveredTo("B", core.EventNewProducer)) >= 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	release()
	<-done

	ackIdx := h.wire.Index(deliveredTo("A", core.EventResponse))
	castIdx := h.wire.Index(deliveredTo("B", core.EventNewProducer))
	require.GreaterOrEqual(t, ackIdx, 0)
	require.GreaterOrEqual(t, castIdx, 0)
	assert.Less(t, ackIdx, castIdx)
}

func TestUndeliveredAckSuppressesBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(a, "call42"))
	require.NoError(t, h.o.JoinCall(b, "call42"))
	tid := h.transport(t, a)

	h.o.AckTimeout = 20 * time.Millisecond
	release := h.conns[a].Hold()
	defer release()

	res, err := h.o.Produce(a, produceReq(tid), h.ack(a))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, eventsTo(h.wire, "B", core.EventNewProducer))
}

func TestJoinDuringPendingAckAnnouncesOnce(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(a, "call42"))
	tid := h.transport(t, a)

	release := h.conns[a].Hold()
	done := make(chan ProduceResult, 1)
	go func() {
		res, err := h.o.Produce(a, produceReq(tid), h.ack(a))
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		return len(h.store.OwnedBy("u1", domain.KindProducer)) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.o.JoinCall(b, "call42"))
	assert.Empty(t, eventsTo(h.wire, "B", core.EventNewProducer))

	release()
	res := <-done

	ackIdx := h.wire.Index(deliveredTo("A", core.EventResponse))
	castIdx := h.wire.Index(deliveredTo("B", core.EventNewProducer))
	require.GreaterOrEqual(t, ackIdx, 0)
	require.GreaterOrEqual(t, castIdx, 0)
	assert.Less(t, ackIdx, castIdx)

	got := eventsTo(h.wire, "B", core.EventNewProducer)
	require.Len(t, got, 1)
	assert.Equal(t, res.ID, decode[NewProducerEvent](t, got[0].Data).ProducerID)
}

func TestUnackedProducerHiddenFromLaterJoiner(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(a, "call42"))
	tid := h.transport(t, a)

	h.o.AckTimeout = 20 * time.Millisecond
	release := h.conns[a].Hold()
	defer release()
	_, err := h.o.Produce(a, produceReq(tid), h.ack(a))
	require.NoError(t, err)

	require.NoError(t, h.o.JoinCall(b, "call42"))
	assert.Empty(t, eventsTo(h.wire, "B", core.EventNewProducer))
}

func TestTransportRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")

	info, err := h.o.CreateTransport(a, true, false)
	require.NoError(t, err)
	assert.NotEmpty(t, info.IceCandidates)
	assert.NotEmpty(t, info.DtlsParameters.Fingerprints)

	require.NoError(t, h.o.ConnectTransport(a, connectReq(info.ID)))
	res, err := h.o.Produce(a, produceReq(info.ID), nil)
	require.NoError(t, err)

	stored, err := h.store.Get(domain.KindProducer, res.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, stored.TransportID)
	assert.Equal(t, domain.UserID("u1"), stored.Owner)

	assert.ErrorIs(t, h.o.ConnectTransport(a, connectReq("missing")), domain.ErrNotFound)
	_, err = h.o.Produce(a, produceReq("missing"), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Another user's transport id behaves like an unknown one.
	assert.ErrorIs(t, h.o.ConnectTransport(b, connectReq(info.ID)), domain.ErrNotFound)
	_, err = h.o.Produce(b, produceReq(info.ID), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngineFailureRegistersNothing(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	h.router.FailCreate = true

	_, err := h.o.CreateTransport(a, true, false)
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Empty(t, h.store.Snapshot())
}

func TestProduceRejectsVideo(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	req := produceReq(h.transport(t, a))
	req.Kind = "video"

	_, err := h.o.Produce(a, req, nil)
	assert.ErrorIs(t, err, domain.ErrBadRequest)
	assert.Equal(t, 0, h.store.Counts()[domain.KindProducer])
}

func TestConsumeAndResume(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	pid := h.produce(t, a, h.transport(t, a))
	recv := h.transport(t, b)

	res, err := h.o.Consume(b, ConsumeRequest{TransportID: recv, ProducerID: pid, RtpCapabilities: h.router.Caps})
	require.NoError(t, err)
	assert.Equal(t, pid, res.ProducerID)
	assert.Equal(t, domain.MediaKindAudio, res.Kind)

	stored, err := h.store.Get(domain.KindConsumer, res.ID)
	require.NoError(t, err)
	assert.True(t, stored.Handle.(core.MediaConsumer).Paused())

	assert.ErrorIs(t, h.o.ResumeConsumer(a, res.ID), domain.ErrNotFound)
	require.NoError(t, h.o.ResumeConsumer(b, res.ID))
	assert.False(t, stored.Handle.(core.MediaConsumer).Paused())

	_, err = h.o.Consume(b, ConsumeRequest{TransportID: recv, ProducerID: "missing", RtpCapabilities: h.router.Caps})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.o.Consume(b, ConsumeRequest{TransportID: recv, ProducerID: pid})
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
}

func TestCloseProducerNotifiesRoomAndConsumers(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(a, "call42"))
	require.NoError(t, h.o.JoinCall(b, "call42"))
	pid := h.produce(t, a, h.transport(t, a))
	cons, err := h.o.Consume(b, ConsumeRequest{TransportID: h.transport(t, b), ProducerID: pid, RtpCapabilities: h.router.Caps})
	require.NoError(t, err)

	assert.ErrorIs(t, h.o.CloseProducer(b, pid), domain.ErrNotFound)
	require.NoError(t, h.o.CloseProducer(a, pid))

	closed := eventsTo(h.wire, "B", core.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, pid, decode[ProducerClosedEvent](t, closed[0].Data).ProducerID)

	gone := eventsTo(h.wire, "B", core.EventConsumerClosed)
	require.Len(t, gone, 1)
	assert.Equal(t, cons.ID, decode[ConsumerClosedEvent](t, gone[0].Data).ConsumerID)

	_, err = h.store.Get(domain.KindConsumer, cons.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, h.store.Counts()[domain.KindProducer])
}

func TestEngineClosedTransportIsDeregistered(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	tid := h.transport(t, a)
	h.produce(t, a, tid)

	res, err := h.store.Get(domain.KindTransport, tid)
	require.NoError(t, err)
	require.NoError(t, res.Handle.Close())

	assert.Empty(t, h.store.AllOwnedBy("u1"))
	assert.Equal(t, 0, h.router.Live())
}

func TestDisconnectClosesOtherUsersConsumers(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	pid := h.produce(t, a, h.transport(t, a))
	recv := h.transport(t, b)
	cons, err := h.o.Consume(b, ConsumeRequest{TransportID: recv, ProducerID: pid, RtpCapabilities: h.router.Caps})
	require.NoError(t, err)

	h.o.OnDisconnect(a)

	gone := eventsTo(h.wire, "B", core.EventConsumerClosed)
	require.Len(t, gone, 1)
	assert.Equal(t, cons.ID, decode[ConsumerClosedEvent](t, gone[0].Data).ConsumerID)
	assert.Equal(t, []domain.ResourceKey{{Kind: domain.KindTransport, ID: recv}}, h.store.AllOwnedBy("u2"))
}

func TestDisconnectTellsRoomProducerClosed(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	c := h.login(t, "C", "tokC", "u3")
	for _, sid := range []core.SessionID{a, b, c} {
		require.NoError(t, h.o.JoinCall(sid, "call42"))
	}
	pid := h.produce(t, a, h.transport(t, a))
	_, err := h.o.Consume(b, ConsumeRequest{TransportID: h.transport(t, b), ProducerID: pid, RtpCapabilities: h.router.Caps})
	require.NoError(t, err)

	h.o.OnDisconnect(a)

	for _, name := range []string{"B", "C"} {
		got := eventsTo(h.wire, name, core.EventProducerClosed)
		require.Len(t, got, 1, name)
		assert.Equal(t, pid, decode[ProducerClosedEvent](t, got[0].Data).ProducerID)
	}
	assert.Len(t, eventsTo(h.wire, "B", core.EventConsumerClosed), 1)
	assert.Empty(t, eventsTo(h.wire, "C", core.EventConsumerClosed))
	assert.Empty(t, eventsTo(h.wire, "A", core.EventProducerClosed))
}

func TestConcurrentCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	for i := 0; i < 3; i++ {
		tid := h.transport(t, a)
		pid := h.produce(t, a, tid)
		_, err := h.o.Consume(a, ConsumeRequest{TransportID: tid, ProducerID: pid, RtpCapabilities: h.router.Caps})
		require.NoError(t, err)
	}
	require.Len(t, h.store.AllOwnedBy("u1"), 9)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.o.CleanupUser("u1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Empty(t, h.store.AllOwnedBy("u1"))
	assert.Equal(t, 0, h.router.Live())
	assert.NoError(t, h.o.CleanupUser("u1"))

	h.o.OnDisconnect(a)
	h.o.OnDisconnect(a)
	assert.Empty(t, h.store.AllOwnedBy("u1"))
}

func TestCreateCompletingAfterDisconnectIsTornDown(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	h.router.BeforeReturn = func() { h.o.OnDisconnect(a) }

	_, err := h.o.CreateTransport(a, true, false)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.Empty(t, h.store.AllOwnedBy("u1"))
	assert.Equal(t, 0, h.router.Live())
	assert.Equal(t, 1, h.router.Closed())
}

func TestProduceCompletingAfterDisconnectIsTornDown(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	tid := h.transport(t, a)
	h.router.BeforeReturn = func() { h.o.OnDisconnect(a) }

	_, err := h.o.Produce(a, produceReq(tid), nil)
	require.Error(t, err)
	assert.Empty(t, h.store.AllOwnedBy("u1"))
	assert.Equal(t, 0, h.router.Live())
}

func TestJoinAnnouncesJoinersProducers(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	require.NoError(t, h.o.JoinCall(b, "call42"))
	pid := h.produce(t, a, h.transport(t, a))
	assert.Empty(t, eventsTo(h.wire, "B", core.EventNewProducer))

	require.NoError(t, h.o.JoinCall(a, "call42"))

	got := eventsTo(h.wire, "B", core.EventNewProducer)
	require.Len(t, got, 1)
	assert.Equal(t, pid, decode[NewProducerEvent](t, got[0].Data).ProducerID)
	assert.Empty(t, eventsTo(h.wire, "A", core.EventNewProducer))
}

func TestJoinSwitchAndLeave(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")

	require.NoError(t, h.o.JoinCall(a, "call1"))
	require.NoError(t, h.o.JoinCall(a, "call1"))
	require.NoError(t, h.o.JoinCall(a, "call2"))
	assert.Equal(t, 1, h.notifier.Count(domain.EventCallJoined, "u1", "call1"))
	assert.Equal(t, 1, h.notifier.Count(domain.EventCallLeft, "u1", "call1"))
	assert.Empty(t, h.reg.MembersOfRoom("call1"))

	require.NoError(t, h.o.LeaveCall(a))
	require.NoError(t, h.o.LeaveCall(a))
	assert.Equal(t, 1, h.notifier.Count(domain.EventCallLeft, "u1", "call2"))
	assert.Empty(t, h.reg.Rooms())

	assert.ErrorIs(t, h.o.JoinCall(a, ""), domain.ErrBadRequest)
}

func TestBackpressurePolicy(t *testing.T) {
	h := newHarness(t)
	h.o.Policy = app.SimplePolicy{}
	a := h.login(t, "A", "tokA", "u1")
	b := h.login(t, "B", "tokB", "u2")
	c := h.login(t, "C", "tokC", "u3")
	for _, sid := range []core.SessionID{a, b, c} {
		require.NoError(t, h.o.JoinCall(sid, "call42"))
	}
	h.conns[b].SetFull(true)

	h.produce(t, a, h.transport(t, a))

	assert.True(t, h.conns[b].IsClosed())
	assert.False(t, h.conns[c].IsClosed())
	assert.Len(t, eventsTo(h.wire, "C", core.EventNewProducer), 1)

	h.o.Policy = app.DropPolicy{}
	h.conns[c].SetFull(true)
	h.produce(t, a, h.transport(t, a))
	assert.False(t, h.conns[c].IsClosed())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "A", "tokA", "u1")
	h.produce(t, a, h.transport(t, a))
	require.NoError(t, h.o.JoinCall(a, "call42"))

	st := h.o.Status()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, 1, st.Transports)
	assert.Equal(t, 1, st.Producers)
	assert.Equal(t, 0, st.Consumers)
	assert.Equal(t, []core.RoomInfo{{CallID: "call42", MemberCount: 1}}, st.Rooms)
}
