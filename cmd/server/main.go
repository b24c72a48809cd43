package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/VoiceBridge/internal/adapters/crm"
	router "github.com/dkeye/VoiceBridge/internal/adapters/http"
	"github.com/dkeye/VoiceBridge/internal/adapters/rtc"
	signaling "github.com/dkeye/VoiceBridge/internal/adapters/signal"
	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/app/orch"
	"github.com/dkeye/VoiceBridge/internal/config"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/infrastructure/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	// The media worker must exist before the listener accepts connections.
	worker, err := rtc.NewWorker(workerConfig(cfg.Media))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media worker")
	}

	reg := app.NewRegistry()
	store := app.NewTopology()
	metrics.RegisterTopology(reg.Count, func() map[string]int {
		out := make(map[string]int, 3)
		for kind, n := range store.Counts() {
			out[kind.String()] = n
		}
		return out
	})

	crmClient := crm.NewClient(crm.Config{
		BaseURL:         cfg.CRM.BaseURL,
		ValidatePath:    cfg.CRM.ValidatePath,
		EventPath:       cfg.CRM.EventPath,
		Timeout:         cfg.CRM.Timeout,
		Secret:          cfg.CRM.Secret,
		BreakerFailures: cfg.CRM.BreakerFailures,
		BreakerTimeout:  cfg.CRM.BreakerTimeout,
	})
	notifier := crm.NewNotifier(crmClient, crm.NotifierConfig{
		Workers:   cfg.Notifier.Workers,
		QueueSize: cfg.Notifier.QueueSize,
		Timeout:   cfg.Notifier.Timeout,
	})
	notifier.Start()

	o := orch.New(reg, store, worker.Router(), crmClient, notifier, app.PolicyByName(cfg.Backpressure))
	if cfg.Media.AckTimeout > 0 {
		o.AckTimeout = cfg.Media.AckTimeout
	}

	ctl := signaling.NewSignalWSController(o, signaling.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:       o,
		Signal:     ctl,
		Engine:     worker,
		CRMBaseURL: crmClient.BaseURL(),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("VoiceBridge server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-worker.Died():
			log.Fatal().Err(err).Msg("media worker died, exiting")
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := notifier.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("notifier did not drain")
	}
	if err := worker.Close(); err != nil {
		log.Warn().Err(err).Msg("media worker close")
	}
	log.Info().Msg("Server exited gracefully")
}

func workerConfig(m config.MediaConfig) rtc.Config {
	cfg := rtc.Config{
		RTCMinPort:  m.RTCMinPort,
		RTCMaxPort:  m.RTCMaxPort,
		AnnouncedIP: m.AnnouncedIP,
		Lite:        m.ICELite,
	}
	for _, s := range m.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, server)
	}
	if len(cfg.ICEServers) == 0 && !m.ICELite {
		cfg.ICEServers = rtc.DefaultICEServers()
	}
	for _, c := range m.Codecs {
		mime := c.MimeType
		if !strings.Contains(mime, "/") {
			mime = "audio/" + mime
		}
		cfg.Codecs = append(cfg.Codecs, domain.RtpCodecCapability{
			Kind:                 domain.MediaKindAudio,
			MimeType:             mime,
			PreferredPayloadType: c.PayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           c.Parameters,
		})
	}
	return cfg
}
