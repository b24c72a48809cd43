package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const defaultAckTimeout = 5 * time.Second

// Orchestrator runs the signaling state machine on top of the registry, the topology
// store and the media router. Handlers for one session are called sequentially.
type Orchestrator struct {
	Registry  *app.Registry
	Store     *app.Topology
	Router    core.MediaRouter
	Validator core.SessionValidator
	Notifier  core.CallEventNotifier
	Policy    app.Policy
	// AckTimeout bounds how long a produce reply may take to reach the socket.
	AckTimeout time.Duration

	cleanups singleflight.Group
	// announceMu orders room membership changes against new-producer broadcasts so a
	// joiner hears about each producer exactly once.
	announceMu sync.Mutex
}

func New(reg *app.Registry, store *app.Topology, router core.MediaRouter, validator core.SessionValidator, notifier core.CallEventNotifier, policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Registry:   reg,
		Store:      store,
		Router:     router,
		Validator:  validator,
		Notifier:   notifier,
		Policy:     policy,
		AckTimeout: defaultAckTimeout,
	}
}

type NewProducerEvent struct {
	ProducerID domain.ResourceID `json:"producerId"`
	UserID     domain.UserID     `json:"userId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ProducerClosedEvent struct {
	ProducerID domain.ResourceID `json:"producerId"`
}

type ConsumerClosedEvent struct {
	ConsumerID domain.ResourceID `json:"consumerId"`
	ProducerID domain.ResourceID `json:"producerId"`
}

// broadcastRoom pushes frame to every member of call except the excluded session.
// Members whose queue is full are handled by the back-pressure policy.
func (o *Orchestrator) broadcastRoom(call domain.CallID, except core.SessionID, frame core.Frame) {
	for _, m := range o.Registry.MembersOfRoom(call) {
		if m.ID == except {
			continue
		}
		o.push(call, m, frame)
	}
}

func (o *Orchestrator) push(call domain.CallID, s app.Session, frame core.Frame) {
	if s.Signal == nil {
		return
	}
	err := s.Signal.TrySend(frame)
	if err == nil {
		return
	}
	action := app.DropFrame
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(call, s.ID)
	}
	log.Warn().
		Err(err).
		Str("module", "orch").
		Str("sid", string(s.ID)).
		Str("room", string(call)).
		Msg("push failed")
	switch action {
	case app.KickMember:
		s.Signal.Close()
	case app.DropFrame:
		metrics.DroppedFrames.Inc()
	case app.NoAction:
	}
}

// pushTo sends frame to one session if it is still bound.
func (o *Orchestrator) pushTo(sid core.SessionID, frame core.Frame) {
	s, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	call, _ := o.Registry.RoomOf(sid)
	o.push(call, s, frame)
}

func (o *Orchestrator) notify(typ domain.CallEventType, s app.Session, call domain.CallID, reason string) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Notify(domain.CallEvent{
		Type:      typ,
		UserID:    s.UserID,
		CallID:    call,
		SessionID: string(s.ID),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// engineErr keeps classified errors and marks everything else as an engine failure.
func engineErr(op string, err error) error {
	for _, known := range []error{
		domain.ErrBadRequest,
		domain.ErrNotFound,
		domain.ErrEngineFailure,
		domain.ErrSessionClosed,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrEngineFailure, err)
}

// Status is a point-in-time view used by the health endpoint.
type Status struct {
	Sessions   int             `json:"sessions"`
	Transports int             `json:"transports"`
	Producers  int             `json:"producers"`
	Consumers  int             `json:"consumers"`
	Rooms      []core.RoomInfo `json:"rooms"`
}

func (o *Orchestrator) Status() Status {
	counts := o.Store.Counts()
	return Status{
		Sessions:   o.Registry.Count(),
		Transports: counts[domain.KindTransport],
		Producers:  counts[domain.KindProducer],
		Consumers:  counts[domain.KindConsumer],
		Rooms:      o.Registry.Rooms(),
	}
}
