// Package rtc binds the media engine contract onto pion/webrtc's ORTC objects:
// an ICE gatherer/transport plus a DTLS transport per signaling transport,
// an RTPReceiver per producer and an RTPSender per consumer.
package rtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/VoiceBridge/internal/app/sfu"
	"github.com/dkeye/VoiceBridge/internal/core"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type Config struct {
	RTCMinPort  uint16
	RTCMaxPort  uint16
	AnnouncedIP string
	// Lite runs the ICE agent in lite mode; only host candidates are offered and ICEServers are ignored.
	Lite          bool
	ICEServers    []webrtc.ICEServer
	Codecs        []domain.RtpCodecCapability
	GatherTimeout time.Duration
	// CertRenewMargin is how long before certificate expiry the worker reports itself dead.
	CertRenewMargin time.Duration
}

// DefaultCodecs is the router codec set: Opus and G.711 u-law.
func DefaultCodecs() []domain.RtpCodecCapability {
	return []domain.RtpCodecCapability{
		{
			Kind:                 domain.MediaKindAudio,
			MimeType:             webrtc.MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters: map[string]any{
				"minptime":     10,
				"useinbandfec": 1,
			},
		},
		{
			Kind:      domain.MediaKindAudio,
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
		},
	}
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

var errWorkerClosed = errors.New("media worker closed")

// Worker is the in-process media engine. It is created once before the server accepts
// connections and closed once at shutdown.
type Worker struct {
	cfg    Config
	api    *webrtc.API
	certs  []webrtc.Certificate
	router *Router
	relays *sfu.RelayManager

	ctx    context.Context
	cancel context.CancelFunc
	died   chan error

	mu         sync.Mutex
	closed     bool
	failed     error
	transports map[domain.ResourceID]*Transport
}

var _ core.MediaWorker = (*Worker)(nil)

func NewWorker(cfg Config) (*Worker, error) {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = DefaultCodecs()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 10 * time.Second
	}
	if cfg.CertRenewMargin <= 0 {
		cfg.CertRenewMargin = time.Hour
	}
	codecs, err := assignPayloadTypes(cfg.Codecs)
	if err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: toCodecCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", c.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetLite(cfg.Lite)
	if cfg.Lite {
		cfg.ICEServers = nil
	}
	if cfg.RTCMinPort > 0 && cfg.RTCMaxPort >= cfg.RTCMinPort {
		if err := settings.SetEphemeralUDPPortRange(cfg.RTCMinPort, cfg.RTCMaxPort); err != nil {
			return nil, fmt.Errorf("failed setting UDP port range (%d-%d): %w", cfg.RTCMinPort, cfg.RTCMaxPort, err)
		}
	}
	if ip := strings.TrimSpace(cfg.AnnouncedIP); ip != "" {
		settings.SetNAT1To1IPs([]string{ip}, webrtc.ICECandidateTypeHost)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dtls certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithSettingEngine(settings),
			webrtc.WithInterceptorRegistry(i),
		),
		certs:      []webrtc.Certificate{*cert},
		relays:     sfu.NewRelayManager(),
		ctx:        ctx,
		cancel:     cancel,
		died:       make(chan error, 1),
		transports: make(map[domain.ResourceID]*Transport),
	}
	w.router = newRouter(w, codecs)
	go w.watchCertificate(cert.Expires())

	log.Info().
		Str("module", "rtc").
		Int("codecs", len(codecs)).
		Uint16("rtc_min_port", cfg.RTCMinPort).
		Uint16("rtc_max_port", cfg.RTCMaxPort).
		Bool("ice_lite", cfg.Lite).
		Msg("media worker created")
	return w, nil
}

func (w *Worker) Router() core.MediaRouter { return w.router }

func (w *Worker) Died() <-chan error { return w.died }

// Alive reports whether the worker can still serve media.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.failed == nil
}

// ActiveRelays is the number of producers currently forwarding RTP.
func (w *Worker) ActiveRelays() int { return w.relays.Len() }

// Close tears down every transport. Closing the worker invalidates all media state.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	transports := make([]*Transport, 0, len(w.transports))
	for _, t := range w.transports {
		transports = append(transports, t)
	}
	w.mu.Unlock()

	var err error
	for _, t := range transports {
		err = multierr.Append(err, t.Close())
	}
	w.cancel()
	log.Info().Str("module", "rtc").Int("transports", len(transports)).Msg("media worker closed")
	return err
}

// watchCertificate reports the worker dead shortly before the DTLS certificate expires;
// new handshakes would fail after that point, and a restart issues a fresh certificate.
func (w *Worker) watchCertificate(expires time.Time) {
	deadline := time.Until(expires.Add(-w.cfg.CertRenewMargin))
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
	case <-timer.C:
		w.fail(fmt.Errorf("dtls certificate expires at %s", expires.Format(time.RFC3339)))
	}
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = err
	}
	w.mu.Unlock()
	log.Error().Err(err).Str("module", "rtc").Msg("media worker died")
	select {
	case w.died <- err:
	default:
	}
}

func (w *Worker) track(t *Transport) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWorkerClosed
	}
	w.transports[t.id] = t
	return nil
}

func (w *Worker) forget(id domain.ResourceID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.transports, id)
}

func (w *Worker) TransportCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.transports)
}

// assignPayloadTypes fills in missing preferred payload types: static ones for G.711,
// dynamic ones starting at 100 for the rest.
func assignPayloadTypes(codecs []domain.RtpCodecCapability) ([]domain.RtpCodecCapability, error) {
	out := make([]domain.RtpCodecCapability, 0, len(codecs))
	used := map[uint8]bool{}
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(100)
	for _, c := range codecs {
		if c.Kind == "" {
			c.Kind = domain.MediaKindAudio
		}
		if c.Kind != domain.MediaKindAudio {
			return nil, fmt.Errorf("codec %s: only audio codecs are routed: %w", c.MimeType, domain.ErrBadRequest)
		}
		if c.MimeType == "" || c.ClockRate == 0 {
			return nil, fmt.Errorf("codec %q: mime type and clock rate are required: %w", c.MimeType, domain.ErrBadRequest)
		}
		if c.PreferredPayloadType == 0 {
			switch {
			case strings.EqualFold(c.MimeType, webrtc.MimeTypePCMU) && !used[0]:
				c.PreferredPayloadType = 0
				used[0] = true
			case strings.EqualFold(c.MimeType, webrtc.MimeTypePCMA) && !used[8]:
				c.PreferredPayloadType = 8
				used[8] = true
			default:
				for used[next] {
					next++
				}
				c.PreferredPayloadType = next
				used[next] = true
			}
		}
		out = append(out, c)
	}
	return out, nil
}
