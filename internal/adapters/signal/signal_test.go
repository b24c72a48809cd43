package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/app/orch"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrUnauthenticated, "unauthenticated"},
		{fmt.Errorf("transport t1: %w", domain.ErrNotFound), "not_found"},
		{fmt.Errorf("consume: %w", domain.ErrEngineFailure), "engine_failure"},
		{domain.ErrUpstreamUnavailable, "upstream_unavailable"},
		{fmt.Errorf("%w: missing field", domain.ErrBadRequest), "bad_request"},
		{domain.ErrForbidden, "forbidden"},
		{domain.ErrRateLimited, "rate_limited"},
		{domain.ErrSessionClosed, "session_closed"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}
}

func TestErrorReplyHidesInternals(t *testing.T) {
	r := newErrorReply(fmt.Errorf("dtls: secret detail: %w", domain.ErrEngineFailure))
	assert.Equal(t, errorReply{Error: "media engine failure", Code: "engine_failure"}, r)

	r = newErrorReply(fmt.Errorf("%w: field TransportID failed required", domain.ErrBadRequest))
	assert.Equal(t, "bad_request", r.Code)
	assert.Contains(t, r.Error, "TransportID")
}

func TestDecode(t *testing.T) {
	v := validator.New()

	p, err := decode[joinCallPayload](v, json.RawMessage(`{"callSessionId":"call42"}`))
	require.NoError(t, err)
	assert.Equal(t, "call42", p.CallSessionID)

	_, err = decode[joinCallPayload](v, nil)
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = decode[producePayload](v, json.RawMessage(`{"transportId":"t1","kind":"audio"}`))
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	_, err = decode[consumePayload](v, json.RawMessage(`{"transportId":1}`))
	assert.ErrorIs(t, err, domain.ErrBadRequest)

	c, err := decode[createTransportPayload](v, nil)
	require.NoError(t, err)
	assert.False(t, c.Producing)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"))
	assert.Equal(t, 2, rl.Len())

	rl.Forget("s1")
	assert.True(t, rl.Allow("s1"))

	off := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, off.Allow("s1"))
	}
	assert.Equal(t, 0, off.Len())
}

func TestWsSignalConnBackpressure(t *testing.T) {
	c := NewWsSignalConn(nil, 1)
	require.NoError(t, c.TrySend(core.Frame(`{}`)))
	assert.ErrorIs(t, c.TrySend(core.Frame(`{}`)), ErrBackpressure)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.SendSync(ctx, core.Frame(`{}`)), context.DeadlineExceeded)
}

type server struct {
	reg    *app.Registry
	store  *app.Topology
	router *testutil.Router
	url    string
}

func newServer(t *testing.T, opts Options) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &server{
		reg:    app.NewRegistry(),
		store:  app.NewTopology(),
		router: testutil.NewRouter(),
	}
	o := orch.New(s.reg, s.store, s.router,
		testutil.NewValidator(map[string]domain.UserID{"tokA": "u1", "tokB": "u2"}),
		&testutil.Notifier{}, app.DropPolicy{})
	ctl := NewSignalWSController(o, opts)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "ct-test")
		ctl.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	s.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return s
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	next int64
}

func (s *server) dial(t *testing.T) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ string, data any, withID bool) *int64 {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	env := core.Envelope{Type: typ, Data: raw}
	if withID {
		c.next++
		id := c.next
		env.ID = &id
	}
	require.NoError(c.t, c.conn.WriteJSON(env))
	return env.ID
}

func (c *client) read() core.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env core.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// request sends typ with an id and decodes the matching response into out.
func (c *client) request(typ string, data, out any) {
	c.t.Helper()
	id := c.send(typ, data, true)
	env := c.read()
	require.Equal(c.t, core.EventResponse, env.Type)
	require.NotNil(c.t, env.ID)
	require.Equal(c.t, *id, *env.ID)
	require.NoError(c.t, json.Unmarshal(env.Data, out))
}

func (c *client) login(token, user string) {
	c.t.Helper()
	var res orch.AuthResult
	c.request("authenticate", authenticatePayload{SessionToken: token, UserID: user}, &res)
	require.True(c.t, res.Success, res.Error)
}

var (
	dtls = domain.DtlsParameters{
		Role:         "client",
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	}
	opus = domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 1111}},
	}
)

func (c *client) transport() domain.ResourceID {
	c.t.Helper()
	var info orch.TransportInfo
	c.request("create-transport", createTransportPayload{Producing: true, Consuming: true}, &info)
	require.NotEmpty(c.t, info.ID)

	var ok okReply
	c.request("transport-connect", transportConnectPayload{
		TransportID:    string(info.ID),
		DtlsParameters: &dtls,
		IceParameters:  &domain.IceParameters{UsernameFragment: "u", Password: "p"},
	}, &ok)
	require.True(c.t, ok.Success)
	return info.ID
}

func TestSignalSession(t *testing.T) {
	s := newServer(t, Options{})
	c := s.dial(t)

	c.send("ping", nil, false)
	assert.Equal(t, core.EventPong, c.read().Type)

	var e errorReply
	c.request("get-rtp-capabilities", nil, &e)
	assert.Equal(t, "unauthenticated", e.Code)

	var auth orch.AuthResult
	c.request("authenticate", authenticatePayload{SessionToken: "nope", UserID: "u1"}, &auth)
	assert.False(t, auth.Success)
	assert.NotEmpty(t, auth.Error)

	c.request("authenticate", map[string]string{"userId": "u1"}, &auth)
	assert.False(t, auth.Success)

	c.login("tokA", "u1")

	var caps domain.RtpCapabilities
	c.request("get-rtp-capabilities", nil, &caps)
	require.Len(t, caps.Codecs, 1)
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)

	tid := c.transport()

	var produced orch.ProduceResult
	c.request("transport-produce", producePayload{TransportID: string(tid), Kind: "audio", RtpParameters: &opus}, &produced)
	assert.NotEmpty(t, produced.ID)

	c.request("transport-connect", transportConnectPayload{TransportID: "missing", DtlsParameters: &dtls}, &e)
	assert.Equal(t, "not_found", e.Code)

	c.request("transport-produce", map[string]string{"transportId": string(tid)}, &e)
	assert.Equal(t, "bad_request", e.Code)

	c.request("no-such-message", nil, &e)
	assert.Equal(t, "bad_request", e.Code)

	require.Eventually(t, func() bool { return s.router.Live() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return s.reg.Count() == 0 && s.router.Live() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.store.AllOwnedBy("u1"))
}

func TestSignalCallFlow(t *testing.T) {
	s := newServer(t, Options{})
	a := s.dial(t)
	b := s.dial(t)
	a.login("tokA", "u1")
	b.login("tokB", "u2")

	var ok okReply
	a.request("join-call", joinCallPayload{CallSessionID: "call42"}, &ok)
	require.True(t, ok.Success)
	b.request("join-call", joinCallPayload{CallSessionID: "call42"}, &ok)
	require.True(t, ok.Success)

	ta := a.transport()
	tb := b.transport()

	var produced orch.ProduceResult
	a.request("transport-produce", producePayload{TransportID: string(ta), Kind: "audio", RtpParameters: &opus}, &produced)
	require.NotEmpty(t, produced.ID)

	ev := b.read()
	require.Equal(t, core.EventNewProducer, ev.Type)
	var np orch.NewProducerEvent
	require.NoError(t, json.Unmarshal(ev.Data, &np))
	assert.Equal(t, produced.ID, np.ProducerID)
	assert.Equal(t, domain.UserID("u1"), np.UserID)

	var consumed orch.ConsumeResult
	b.request("consume", consumePayload{
		TransportID:     string(tb),
		ProducerID:      string(np.ProducerID),
		RtpCapabilities: &s.router.Caps,
	}, &consumed)
	require.NotEmpty(t, consumed.ID)
	assert.Equal(t, produced.ID, consumed.ProducerID)

	b.request("consumer-resume", consumerResumePayload{ConsumerID: string(consumed.ID)}, &ok)
	assert.True(t, ok.Success)

	a.request("producer-close", producerClosePayload{ProducerID: string(produced.ID)}, &ok)
	assert.True(t, ok.Success)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[b.read().Type] = true
	}
	assert.True(t, seen[core.EventConsumerClosed])
	assert.True(t, seen[core.EventProducerClosed])

	a.request("leave-call", nil, &ok)
	assert.True(t, ok.Success)
	_, inCall := s.reg.RoomOf(firstSession(t, s.reg, "u1"))
	assert.False(t, inCall)
}

func firstSession(t *testing.T, reg *app.Registry, uid domain.UserID) core.SessionID {
	t.Helper()
	group := reg.SessionsOfUser(uid)
	require.NotEmpty(t, group)
	return group[0].ID
}

func TestSignalRateLimit(t *testing.T) {
	s := newServer(t, Options{MessageRate: 0.001, MessageBurst: 1})
	c := s.dial(t)

	var pong pongEvent
	c.request("ping", nil, &pong)
	assert.NotZero(t, pong.Time)

	var e errorReply
	c.request("ping", nil, &e)
	assert.Equal(t, "rate_limited", e.Code)
}
