package beancore

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// Config holds the container-wide defaults. Per-home settings in
// HomeConfig override the pool and session values.
type Config struct {
	// PoolSize caps the idle instances kept per stateless home.
	PoolSize int

	// MinPoolSize is the number of idle instances trimming never goes below.
	MinPoolSize int

	// PoolIdleTimeout is how long an idle pooled instance may sit before the
	// sweeper destroys it. Zero disables trimming.
	PoolIdleTimeout time.Duration

	// MethodStackCapacity is the number of invocation records a call chain
	// recycles before it allocates.
	MethodStackCapacity int

	// SessionTimeout destroys stateful sessions idle for at least this long.
	// Zero keeps sessions until removed.
	SessionTimeout time.Duration

	// SessionCacheSize bounds the in-memory sessions per stateful home.
	SessionCacheSize int

	// MetadataCacheSize sizes the ARC cache placed in front of external
	// metadata providers.
	MetadataCacheSize int

	// SweepInterval is the period of the background sweeper that trims
	// pools, expires sessions and polls the reclaim cache. Zero disables
	// the sweeper; Container.Sweep can still be called directly.
	SweepInterval time.Duration

	// ReaperWorkers is the number of goroutines destroying discarded
	// instances. Zero destroys them inline on the calling goroutine.
	ReaperWorkers int

	// ReclaimQueueSize bounds the notification queue of a ReclaimCache the
	// container creates for itself.
	ReclaimQueueSize int
}

// DefaultConfig returns the defaults used when no Config is supplied.
func DefaultConfig() *Config {
	return &Config{
		PoolSize:            50,
		MinPoolSize:         0,
		PoolIdleTimeout:     0,
		MethodStackCapacity: DefaultMethodInfoStackCapacity,
		SessionTimeout:      10 * time.Minute,
		SessionCacheSize:    DefaultSessionCacheSize,
		MetadataCacheSize:   defaultMetadataCacheSize,
		SweepInterval:       4 * time.Second,
		ReaperWorkers:       4,
		ReclaimQueueSize:    DefaultReclaimQueueSize,
	}
}

func (c *Config) validate() error {
	switch {
	case c.PoolSize < 0, c.MinPoolSize < 0, c.MethodStackCapacity < 0,
		c.SessionCacheSize < 0, c.MetadataCacheSize < 0, c.ReaperWorkers < 0,
		c.ReclaimQueueSize < 0:
		return fmt.Errorf("invalid config: negative size in %+v", *c)
	case c.SweepInterval < 0 || c.PoolIdleTimeout < 0:
		return fmt.Errorf("invalid config: negative interval in %+v", *c)
	}
	return nil
}

// Environment variables read by ConfigFromEnv.
const (
	EnvPoolSize            = "BEANCORE_POOL_SIZE"
	EnvMinPoolSize         = "BEANCORE_MIN_POOL_SIZE"
	EnvPoolIdleTimeout     = "BEANCORE_POOL_IDLE_TIMEOUT"
	EnvMethodStackCapacity = "BEANCORE_METHOD_STACK_CAPACITY"
	EnvSessionTimeout      = "BEANCORE_SESSION_TIMEOUT"
	EnvSessionCacheSize    = "BEANCORE_SESSION_CACHE_SIZE"
	EnvMetadataCacheSize   = "BEANCORE_METADATA_CACHE_SIZE"
	EnvSweepInterval       = "BEANCORE_SWEEP_INTERVAL"
	EnvReaperWorkers       = "BEANCORE_REAPER_WORKERS"
	EnvReclaimQueueSize    = "BEANCORE_RECLAIM_QUEUE_SIZE"
)

// ConfigFromEnv starts from DefaultConfig and overrides every field whose
// environment variable is set and parses. Unparsable values are logged and
// ignored.
func ConfigFromEnv(logger logr.Logger) *Config {
	d := DefaultConfig()
	return &Config{
		PoolSize:            envInt(EnvPoolSize, d.PoolSize, logger),
		MinPoolSize:         envInt(EnvMinPoolSize, d.MinPoolSize, logger),
		PoolIdleTimeout:     envDuration(EnvPoolIdleTimeout, d.PoolIdleTimeout, logger),
		MethodStackCapacity: envInt(EnvMethodStackCapacity, d.MethodStackCapacity, logger),
		SessionTimeout:      envDuration(EnvSessionTimeout, d.SessionTimeout, logger),
		SessionCacheSize:    envInt(EnvSessionCacheSize, d.SessionCacheSize, logger),
		MetadataCacheSize:   envInt(EnvMetadataCacheSize, d.MetadataCacheSize, logger),
		SweepInterval:       envDuration(EnvSweepInterval, d.SweepInterval, logger),
		ReaperWorkers:       envInt(EnvReaperWorkers, d.ReaperWorkers, logger),
		ReclaimQueueSize:    envInt(EnvReclaimQueueSize, d.ReclaimQueueSize, logger),
	}
}

// envWithParser reads key and parses it, falling back to defaultVal when the
// variable is unset or malformed.
func envWithParser[T any](key string, defaultVal T, parser func(string) (T, error), logger logr.Logger) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		logger.V(logDebug).Info("Environment variable not set, using default value", "key", key, "defaultValue", defaultVal)
		return defaultVal
	}
	v, err := parser(raw)
	if err != nil {
		logger.Info(fmt.Sprintf("Failed to parse environment variable as %s, using default value", reflect.TypeOf(defaultVal)),
			"key", key, "rawValue", raw, "error", err, "defaultValue", defaultVal)
		return defaultVal
	}
	logger.V(logVerbose).Info("Loaded environment variable", "key", key, "value", v)
	return v
}

func envInt(key string, defaultVal int, logger logr.Logger) int {
	return envWithParser(key, defaultVal, strconv.Atoi, logger)
}

func envDuration(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	return envWithParser(key, defaultVal, time.ParseDuration, logger)
}
