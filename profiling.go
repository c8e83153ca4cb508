// Profiling support for performance analysis of a running container.
//
// The pprof handlers are served from a private mux, so enabling profiling
// never touches http.DefaultServeMux of the host process.

package beancore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime/trace"
	"time"
)

// ProfilingConfig specifies profiling options for a container.
//
// When provided to New via the WithProfiling option, it starts an HTTP
// server with pprof endpoints for on-demand profiling.
type ProfilingConfig struct {
	// EnableProfiling starts an HTTP server with pprof endpoints.
	EnableProfiling bool

	// ProfileAddr specifies the address for the profiling HTTP server.
	// Defaults to ":6060" if empty.
	// Use "localhost:6060" to restrict to local access.
	ProfileAddr string

	// Trace enables execution tracing until the container is closed.
	// The trace is written to TraceOutputPath.
	Trace bool

	// TraceOutputPath specifies where to write the execution trace.
	// Defaults to "./trace.out" if empty and Trace is true.
	TraceOutputPath string
}

// WithProfiling returns an Option that enables profiling with the given
// configuration.
//
// Example:
//
//	c, err := beancore.New(
//	    beancore.WithProfiling(&beancore.ProfilingConfig{
//	        EnableProfiling: true,
//	        ProfileAddr:     "localhost:6060",
//	    }),
//	)
func WithProfiling(config *ProfilingConfig) Option {
	return func(c *Container) {
		if config == nil {
			return
		}

		// Apply default values when not explicitly configured.
		if config.EnableProfiling && config.ProfileAddr == "" {
			config.ProfileAddr = ":6060"
		}
		if config.Trace && config.TraceOutputPath == "" {
			config.TraceOutputPath = "./trace.out"
		}

		c.profiling = config
	}
}

// profilingMux returns a mux serving the pprof handlers.
func profilingMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// startProfiling starts the HTTP profiling server and/or trace based on
// configuration. Returns an error if profiling setup fails, but the
// container keeps working.
func (c *Container) startProfiling() error {
	if c.profiling == nil {
		return nil
	}

	if c.profiling.EnableProfiling {
		c.profileServer = &http.Server{
			Addr:              c.profiling.ProfileAddr,
			Handler:           profilingMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv := c.profileServer
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error(err, "Profiling server stopped", "addr", srv.Addr)
			}
		}()
		c.log.Info("Profiling server started", "addr", c.profiling.ProfileAddr,
			"hint", fmt.Sprintf("curl http://%s/debug/pprof/heap > heap.prof", c.profiling.ProfileAddr))
	}

	if c.profiling.Trace {
		f, err := os.Create(c.profiling.TraceOutputPath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		c.traceFile = f
		if err := trace.Start(f); err != nil {
			f.Close()
			c.traceFile = nil
			return fmt.Errorf("start trace: %w", err)
		}
	}

	return nil
}

// stopProfiling stops the HTTP profiling server and/or trace.
func (c *Container) stopProfiling() {
	if c.profiling == nil {
		return
	}

	if c.profileServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := c.profileServer.Shutdown(ctx); err != nil {
			c.log.Error(err, "Error shutting down profiling server")
		}
		c.profileServer = nil
	}

	if c.traceFile != nil {
		trace.Stop()
		c.traceFile.Close()
		c.traceFile = nil
	}
}
