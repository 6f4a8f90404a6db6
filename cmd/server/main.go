package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"worldlab.ai/internal/sim/lab"
	"worldlab.ai/internal/sim/tuning"
	"worldlab.ai/internal/transport/api"
	"worldlab.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8000", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning yaml path")
		seed       = flag.Uint64("seed", 0, "deterministic seed for agents and trainers (0 = random)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		noLogs     = flag.Bool("disable_logs", false, "disable jsonl step and training logs")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("tuning %s not found; using defaults", *tuningPath)
		tune, err = tuning.Defaults(), nil
	}
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	hub := ws.NewHub(logger, tune.Broadcast.QueueSize, time.Duration(tune.Broadcast.WriteTimeoutMs)*time.Millisecond)
	l, err := lab.Open(lab.Options{
		DataDir:      *dataDir,
		Tuning:       tune,
		Seed:         *seed,
		Logger:       logger,
		Broadcaster:  hub,
		DisableIndex: *disableDB,
		DisableLogs:  *noLogs,
	})
	if err != nil {
		logger.Fatalf("open lab: %v", err)
	}

	mux := http.NewServeMux()
	api.NewServer(l, logger).Register(mux)
	mux.HandleFunc("/v1/ws", hub.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", api.MetricsHandler(l, hub))

	if envBool("WL_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (WL_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (data=%s seed=%d)", *addr, *dataDir, *seed)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http: %v", err)
		}
	case <-ctx.Done():
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		hub.Close()
		// Shutdown returns once in-flight handlers finish, so nothing steps the lab after Close.
		if err := srv.Shutdown(ctx2); err != nil {
			logger.Printf("shutdown: %v", err)
		}
		cancel2()
	}
	if err := l.Close(); err != nil {
		logger.Printf("close lab: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
