// Relay bridges agent output streams to connected users: it multiplexes
// gateway push events per run, translates agent subprocess line protocol,
// extracts side-channel markers, and delivers everything over websockets.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/internal/agentproc"
	"github.com/sherlock-ai/relay/internal/config"
	"github.com/sherlock-ai/relay/internal/gateway"
	"github.com/sherlock-ai/relay/internal/lineproto"
	"github.com/sherlock-ai/relay/internal/marker"
	"github.com/sherlock-ai/relay/internal/push"
	"github.com/sherlock-ai/relay/internal/storage"
	"github.com/sherlock-ai/relay/internal/stream"
)

const shutdownGrace = 10 * time.Second

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("RELAY_PRETTY_LOGS") == "1" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("relay exited")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return err
	}

	hub := push.NewHub(logger)
	side := &sidechannel{log: logger, hub: hub, stores: store}
	markers := marker.New(logger, markerHandlers(side))

	// The gateway sink needs the manager and the manager needs the gateway
	// connection as its commander, so the sink resolves the manager late.
	var managerRef atomic.Pointer[stream.Manager]
	sink := func(raw json.RawMessage) {
		m := managerRef.Load()
		if m == nil {
			return
		}
		var ev stream.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn().Str("frame", string(raw)).Msg("unparseable gateway event")
			return
		}
		m.HandleEvent(context.WithoutCancel(ctx), ev)
	}

	gw, err := gateway.Dial(ctx, cfg.GatewayURL, sink, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	manager := stream.NewManager(logger, gw)
	manager.SetStaleTimeout(cfg.StaleTimeout)
	managerRef.Store(manager)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", push.Handler(hub, logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": hub.ClientCount()})
	})
	(&api{log: logger, manager: manager, hub: hub, stores: store, markers: markers}).routes(r)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var proc *agentproc.Proc
	if cfg.AgentCommand != "" {
		proc, err = startAgentPump(ctx, cfg, store, hub, markers, side, logger)
		if err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if proc != nil {
		if err := proc.Stop(); err != nil {
			logger.Warn().Err(err).Msg("agent process stop failed")
		}
	}
	gw.Close()
	for _, runID := range manager.ActiveRuns() {
		manager.ForceCompleteStream(shutdownCtx, runID, "shutdown")
	}
	return server.Shutdown(shutdownCtx)
}

// markerHandlers binds extracted marker payloads to the side-channel
// dispatcher. Chart bodies go through validation before delivery; scenes
// and component updates are delivered as-is; research requests are
// recorded.
func markerHandlers(side *sidechannel) map[marker.Kind]marker.Handler {
	return map[marker.Kind]marker.Handler{
		marker.KindChart:           marker.HandlerFunc(side.handleChartMarker),
		marker.KindScene:           marker.HandlerFunc(side.handleSceneMarker),
		marker.KindComponentUpdate: marker.HandlerFunc(side.handleComponentMarker),
		marker.KindResearch:        marker.HandlerFunc(side.handleResearchMarker),
	}
}

func startAgentPump(ctx context.Context, cfg config.Config, store *storage.FileStore, hub *push.Hub, markers *marker.Extractor, side *sidechannel, logger zerolog.Logger) (*agentproc.Proc, error) {
	command, args := cfg.AgentArgs()
	proc, err := agentproc.Start(ctx, command, args, "", logger)
	if err != nil {
		return nil, err
	}

	translator := lineproto.NewTranslator(logger, lineproto.Config{
		Session:         lineproto.Session{ID: cfg.AgentSessionID, CustomerID: cfg.AgentUserID},
		Pusher:          hub,
		Stores:          store,
		Markers:         markers,
		ChartHandler:    side,
		ResearchHandler: side,
		Namer:           &sessionNamer{log: logger, stores: store},
	})

	go func() {
		if err := agentproc.Pump(ctx, proc.Stdout, lineproto.NewParser(), translator, logger); err != nil {
			logger.Error().Err(err).Msg("agent pump terminated")
		}
	}()
	return proc, nil
}
