// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package main is the tapesafe daemon.
//
// Tapesafe captures long audio recordings into a durable local staging
// store and uploads them chunk by chunk to a remote blob store, so that
// process death, suspension, or network loss never silently drops audio.
//
// The daemon initializes components in the following order:
//
//  1. Configuration: koanf v2 layered sources (defaults, YAML, env)
//  2. Staging store: BadgerDB with fsync'd writes
//  3. Event bus: watermill GoChannel for progress/amplitude/completion
//  4. Upload manager: retrying HTTP PUTs behind a circuit breaker
//  5. Recording engine: the session state machine and capture pipeline
//  6. Recovery: startup scan requeueing chunks a previous run left behind
//  7. Supervisor tree: suture v4 keeps the services running
//
// # Signals
//
//	SIGTSTP, SIGUSR1  force-seal buffered audio and checkpoint
//	SIGCONT           refresh checkpoints after the host foregrounds us
//	SIGTERM, SIGINT   flush, stop the session, drain, exit
//
// # Configuration
//
// See tapesafe.yaml or TAPESAFE_* environment variables, e.g.:
//
//	export TAPESAFE_STAGING_PATH=/var/lib/tapesafe
//	export TAPESAFE_UPLOAD_ENDPOINT=https://blobs.example.com/v1
//	export TAPESAFE_UPLOAD_AUTH_TOKEN=...
//	./tapesafe
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapesafe/tapesafe/internal/capture"
	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/events"
	"github.com/tapesafe/tapesafe/internal/lifecycle"
	"github.com/tapesafe/tapesafe/internal/logging"
	"github.com/tapesafe/tapesafe/internal/recorder"
	"github.com/tapesafe/tapesafe/internal/recovery"
	"github.com/tapesafe/tapesafe/internal/staging"
	"github.com/tapesafe/tapesafe/internal/supervisor"
	"github.com/tapesafe/tapesafe/internal/supervisor/services"
	"github.com/tapesafe/tapesafe/internal/uploader"
)

// toneFrequency is the synthetic source's test tone. Real deployments
// replace the source factory with a host capture integration.
const toneFrequency = 440.0

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("staging_path", cfg.Staging.Path).
		Str("upload_endpoint", cfg.Upload.Endpoint).
		Dur("chunk_duration", cfg.Assembler.ChunkDuration).
		Msg("starting tapesafe")

	store, err := staging.Open(cfg.Staging)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open staging store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing staging store")
		}
	}()

	bus := events.NewBus(cfg.Events)
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing event bus")
		}
	}()

	// Capture source. The daemon ships a synthetic tone source; embedders
	// construct the engine directly with their host capture primitive.
	newSource := func() (capture.Source, error) {
		return capture.NewSyntheticSource(
			cfg.Capture.SampleRate,
			cfg.Capture.Channels,
			toneFrequency,
			cfg.Capture.SliceDuration,
		), nil
	}

	transport := uploader.NewHTTPTransport(cfg.Upload)
	engine := recorder.NewEngine(cfg, store, bus, newSource)
	uploads := uploader.NewManager(cfg.Upload, store, transport, bus, engine.UploadHooks())
	engine.SetUploadManager(uploads)
	engine.SetCompletionNotifier(transport)

	janitor := staging.NewJanitor(store)
	controller := recovery.NewController(store, uploads, bus, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The guard owns OS signal handling. On SIGTERM/SIGINT it flushes
	// buffered audio, then this callback drains the tree.
	guard := lifecycle.NewGuard(cfg.Lifecycle, lifecycle.NewOSSignalSource(), engine, func() {
		logging.Info().Msg("unload signal, shutting down")
		cancel()
	})

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create supervisor tree")
	}

	tree.AddStagingService(services.NewJanitorService(janitor))
	tree.AddPipelineService(services.NewEngineService(engine))
	tree.AddPipelineService(services.NewUploadManagerService(uploads))
	tree.AddHostService(services.NewGuardService(guard))

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		server := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddHostService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
		logging.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics endpoint enabled")
	}

	errCh := tree.ServeBackground(ctx)

	// Recovery runs once the supervised services are up, then the daemon
	// opens its continuous recording session.
	go bootstrap(ctx, cfg, engine, uploads, controller)

	select {
	case <-ctx.Done():
		logging.Info().Msg("waiting for services to drain")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("tapesafe stopped")
}

// bootstrap waits for the engine and upload manager to come up, runs the
// recovery scan, and starts the daemon's recording session.
func bootstrap(ctx context.Context, cfg *config.Config, engine *recorder.Engine, uploads *uploader.Manager, controller *recovery.Controller) {
	deadline := time.Now().Add(30 * time.Second)
	for !(engine.IsRunning() && uploads.IsRunning()) {
		if time.Now().After(deadline) {
			logging.Error().Msg("services did not start, skipping recovery")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	report, err := controller.Run(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("recovery scan failed")
	} else {
		// The daemon resumes interrupted recordings; an embedding host
		// would surface the decision to its user instead.
		for _, sr := range report.Sessions {
			if sr.Action != recovery.ActionAwaitingDecision {
				continue
			}
			if err := controller.Resume(ctx, sr.SessionID); err != nil {
				logging.Error().Err(err).Str("session_id", sr.SessionID).Msg("failed to resume recovered session")
			}
		}
	}

	if cfg.Upload.Endpoint == "" {
		logging.Warn().Msg("no upload endpoint configured, not starting a session")
		return
	}

	sessionID, err := engine.StartSession(ctx, map[string]string{"origin": "daemon"})
	if err != nil {
		logging.Error().Err(err).Msg("failed to start recording session")
		return
	}
	logging.Info().Str("session_id", sessionID).Msg("recording session started")
}
