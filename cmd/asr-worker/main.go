package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asr-task-worker/internal/archive"
	"github.com/asr-task-worker/internal/config"
	"github.com/asr-task-worker/internal/dotenv"
	"github.com/asr-task-worker/internal/inference"
	"github.com/asr-task-worker/internal/logging"
	"github.com/asr-task-worker/internal/mcp"
	"github.com/asr-task-worker/internal/metrics"
	"github.com/asr-task-worker/internal/transport"
	"github.com/asr-task-worker/internal/voice"
)

const (
	serviceName     = "asr-worker"
	serviceVersion  = "1.0.0"
	shutdownTimeout = 10 * time.Second
	cleanInterval   = 10 * time.Minute
)

func main() {
	if _, err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Getenv("ASR_WORKER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("LOG_LEVEL") == "" {
		_ = os.Setenv("LOG_LEVEL", cfg.Logging.Level)
	}
	logging.Init()
	defer func() { _ = logging.Sync() }()

	logging.Infow("service starting",
		"service", serviceName,
		"version", serviceVersion,
		"server_url", cfg.Server.URL,
		"archive_backend", cfg.Storage.Backend(),
		"fast_reply_silence_ms", cfg.Session.FastReplySilenceMs,
		"reply_silence_ms", cfg.Session.ReplySilenceMs,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	metricsSrv := startMetricsServer(cfg.Metrics.Addr, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, closeInference, err := buildInference(ctx, cfg)
	if err != nil {
		logging.FatalExitf("inference setup failed", "err", err)
	}
	svc = inference.WithMetrics(svc, m)

	// Uploads get their own context so draining can outlive ctx.
	archiveCtx, cancelArchive := context.WithCancel(context.Background())
	defer cancelArchive()
	var bg sync.WaitGroup
	store, err := buildStore(archiveCtx, &bg, cfg.Storage)
	if err != nil {
		logging.FatalExitf("archive setup failed", "err", err)
	}
	queue := archive.NewQueue(store, archive.NewOggOpusEncoder(cfg.Session.SampleRate), cfg.Storage.QueueSize, m)
	queue.Start(archiveCtx)

	router := voice.NewRouter(voice.Deps{
		Params: voice.Params{
			SampleRate:         cfg.Session.SampleRate,
			ChunkMs:            cfg.Session.ChunkMs,
			FastReplySilenceMs: cfg.Session.FastReplySilenceMs,
			ReplySilenceMs:     cfg.Session.ReplySilenceMs,
			TruncateMs:         cfg.Session.TruncateMs,
			URLPrefix:          cfg.Storage.PublicURL,
		},
		Inference: svc,
		Archiver:  queue,
		Questions: voice.NewQuestionDetector(cfg.Session.QuestionMarkers),
		Metrics:   m,
	})

	client := transport.NewClient(transport.Config{
		URL:            cfg.Server.URL,
		ReconnectDelay: cfg.Server.ReconnectDelay(),
		IdleTimeout:    cfg.Server.IdleTimeout(),
	}, router, m)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = client.Run(ctx)
	}()

	// Wait for termination signal (Ctrl+C, Docker stop) and shutdown gracefully.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Infow("shutdown signal received, closing resources")

	deadline := time.Now().Add(shutdownTimeout)
	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Until(deadline)):
		logging.Warnw("transport did not stop before timeout")
	}

	drained := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
		logging.Warnw("archive queue not drained before timeout, abandoning uploads")
		cancelArchive()
		<-drained
	}
	cancelArchive()
	bg.Wait()

	if err := closeInference(); err != nil {
		logging.Warnw("inference close error", "err", err)
	}
	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		_ = metricsSrv.Shutdown(sctx)
		scancel()
	}
	logging.Infow("shutdown complete")
}

func startMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infow("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("metrics server failed", "err", err)
		}
	}()
	return srv
}

// buildInference connects the configured backend and returns a close func.
func buildInference(ctx context.Context, cfg *config.Config) (inference.Service, func() error, error) {
	ic := cfg.Inference
	noop := func() error { return nil }
	switch {
	case ic.URL != "":
		logging.Infow("inference: using HTTP backend", "url", ic.URL)
		return inference.NewHTTPClient(inference.HTTPConfig{
			BaseURL:    ic.URL,
			AuthToken:  ic.AuthToken,
			SampleRate: cfg.Session.SampleRate,
			ChunkMs:    cfg.Session.ChunkMs,
			Language:   ic.Language,
			Timeout:    ic.Timeout(),
			Attempts:   ic.Attempts,
		}), noop, nil
	default:
		w := mcp.NewClientWrapper(serviceName, serviceVersion)
		cctx, ccancel := context.WithTimeout(ctx, ic.Timeout())
		defer ccancel()
		var err error
		if ic.MCPURL != "" {
			err = w.ConnectWebSocket(cctx, ic.MCPURL)
		} else {
			err = w.ConnectCommand(cctx, "inference", ic.MCPCommand, ic.MCPArgs, nil)
		}
		if err != nil {
			_ = w.Close()
			return nil, noop, fmt.Errorf("connect mcp inference server: %w", err)
		}
		return inference.NewMCPClient(w, inference.MCPConfig{
			SampleRate: cfg.Session.SampleRate,
			ChunkMs:    cfg.Session.ChunkMs,
			Language:   ic.Language,
		}), w.Close, nil
	}
}

// buildStore returns nil when archival is disabled.
func buildStore(ctx context.Context, wg *sync.WaitGroup, sc config.StorageConfig) (archive.BlobStore, error) {
	switch sc.Backend() {
	case config.BackendObjectStore:
		logging.Infow("archive: using object storage", "endpoint", sc.Endpoint, "bucket", sc.Bucket)
		return archive.NewS3Store(archive.S3Config{
			Endpoint:        sc.Endpoint,
			Region:          sc.Region,
			Bucket:          sc.Bucket,
			AccessKeyID:     sc.AccessKeyID,
			AccessKeySecret: sc.AccessKeySecret,
			PathStyle:       sc.PathStyle,
		})
	case config.BackendDir:
		logging.Infow("archive: using local directory", "dir", sc.Dir)
		store, err := archive.NewDirStore(sc.Dir)
		if err != nil {
			return nil, err
		}
		if sc.Retention() > 0 || sc.MaxFiles > 0 {
			wg.Add(1)
			store.StartCleaner(ctx, wg, sc.Retention(), cleanInterval, sc.MaxFiles)
		}
		return store, nil
	default:
		logging.Infow("archive: no storage configured, archival disabled")
		return nil, nil
	}
}
