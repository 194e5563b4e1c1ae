// profiling.go
//
// Optional profiling for long-running overlay hosts.
// A mounted overlay lives as long as the game does, so profiles are
// captured on demand from a pprof HTTP endpoint rather than written once at
// exit; an execution trace can additionally be recorded for the whole run.

package vsqpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime/trace"
	"time"
)

// ProfilingConfig specifies profiling options.
type ProfilingConfig struct {
	// Addr starts an HTTP server with pprof endpoints when non-empty.
	// Use "localhost:6060" to restrict access to the local machine.
	Addr string `yaml:"addr"`

	// Trace records an execution trace to TraceOutputPath until the
	// returned stop function runs.
	Trace bool `yaml:"trace"`

	// TraceOutputPath defaults to "./trace.out" when Trace is set.
	TraceOutputPath string `yaml:"trace_output"`
}

// StartProfiling starts whatever cfg enables and returns a function that
// stops it again. With nothing enabled the stop function is a no-op.
func StartProfiling(cfg ProfilingConfig, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		server    *http.Server
		traceFile *os.File
	)
	stop = func() {
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("shutting down profiling server", "error", err)
			}
		}
		if traceFile != nil {
			trace.Stop()
			_ = traceFile.Close()
		}
	}

	if cfg.Addr != "" {
		mux := http.NewServeMux()
		// Register pprof handlers explicitly to avoid dependency on the default mux.
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server = &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("profiling server", "error", err)
			}
		}()
		logger.Info("profiling server started", "addr", cfg.Addr)
	}

	if cfg.Trace {
		path := cfg.TraceOutputPath
		if path == "" {
			path = "./trace.out"
		}
		f, err := os.Create(path)
		if err != nil {
			stop()
			return nil, fmt.Errorf("create trace file: %w", err)
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			stop()
			return nil, fmt.Errorf("start trace: %w", err)
		}
		traceFile = f
	}

	return stop, nil
}
