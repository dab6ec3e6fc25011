package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the broker's process configuration. Fixed fields (port, image,
// buffer capacity) are read once at startup; the admission caps and grace
// interval are also exposed live via Live so an operator can tighten caps
// without a restart.
type Config struct {
	BindAddr string
	Port     int

	ContainerImage       string
	ContainerMemoryBytes int64
	ContainerNanoCPUs    int64

	RingBufferCapacity int

	AdmissionRatePerSecond float64
	AdmissionBurst         int

	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration

	Live *Live
}

// Live holds the hot-reloadable subset of configuration (admission caps and
// orphan grace interval), guarded for concurrent reads and an
// fsnotify-triggered reload. The Admission Policy and the Broker keep their
// own copies of these values; main.go's watchLiveConfig copies them from
// Live every 5 seconds.
type Live struct {
	mu                   sync.RWMutex
	maxTotalSessions     int
	maxSessionsPerDigest int
	graceInterval        time.Duration
}

func newLive(maxTotal, maxPerDigest int, grace time.Duration) *Live {
	return &Live{maxTotalSessions: maxTotal, maxSessionsPerDigest: maxPerDigest, graceInterval: grace}
}

// Caps returns the current admission caps.
func (l *Live) Caps() (maxTotal, maxPerDigest int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.maxTotalSessions, l.maxSessionsPerDigest
}

// GraceInterval returns the current orphan grace period.
func (l *Live) GraceInterval() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.graceInterval
}

func (l *Live) set(maxTotal, maxPerDigest int, grace time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxTotalSessions = maxTotal
	l.maxSessionsPerDigest = maxPerDigest
	l.graceInterval = grace
}

// Load reads process configuration from the environment, after attempting to
// load envFile (godotenv; a missing file is not an error — this mirrors the
// teacher's tolerant .env loading in main.go).
func Load(envFile string) *Config {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		logrus.WithError(err).Debug("no .env file loaded, relying on process environment")
	}

	maxTotal := envInt("BROKER_MAX_TOTAL_SESSIONS", 256)
	maxPerDigest := envInt("BROKER_MAX_SESSIONS_PER_DIGEST", 4)
	grace := envDuration("BROKER_ORPHAN_GRACE", time.Minute)

	return &Config{
		BindAddr:             envString("BROKER_BIND_ADDR", "0.0.0.0"),
		Port:                 envInt("BROKER_PORT", 8080),
		ContainerImage:       envString("BROKER_CONTAINER_IMAGE", "ably/cli-shell:latest"),
		ContainerMemoryBytes: int64(envInt("BROKER_CONTAINER_MEMORY_BYTES", 256*1024*1024)),
		ContainerNanoCPUs:    int64(envInt("BROKER_CONTAINER_NANO_CPUS", 1_000_000_000)),
		RingBufferCapacity:   envInt("BROKER_RING_BUFFER_BYTES", 256*1024),

		// 0 attempts/sec would disable the limiter (AdmissionPolicy's own
		// contract); default to a modest per-process admission rate so C8's
		// rate limiting is active out of the box.
		AdmissionRatePerSecond: envFloat("BROKER_ADMISSION_RATE", 5),
		AdmissionBurst:         envInt("BROKER_ADMISSION_BURST", 10),

		HandshakeTimeout:     envDuration("BROKER_HANDSHAKE_TIMEOUT", 20*time.Second),
		ShutdownGrace:        envDuration("BROKER_SHUTDOWN_GRACE", 10*time.Second),
		Live:                 newLive(maxTotal, maxPerDigest, grace),
	}
}

// WatchReload watches envFile for changes and, on write, re-reads the
// admission caps and grace interval into Live. Any other field is
// intentionally frozen at startup: it is wired into components (the Docker
// client, the listen socket) that cannot be swapped safely at runtime.
func (c *Config) WatchReload(envFile string) {
	if envFile == "" {
		envFile = ".env"
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.WithError(err).Warn("config hot-reload disabled: fsnotify watcher could not start")
		return
	}
	if err := watcher.Add(envFile); err != nil {
		logrus.WithError(err).Debug("config hot-reload disabled: env file not watchable")
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := godotenv.Overload(envFile); err != nil {
					logrus.WithError(err).Warn("failed to reload env file")
					continue
				}
				maxTotal := envInt("BROKER_MAX_TOTAL_SESSIONS", 256)
				maxPerDigest := envInt("BROKER_MAX_SESSIONS_PER_DIGEST", 4)
				grace := envDuration("BROKER_ORPHAN_GRACE", time.Minute)
				c.Live.set(maxTotal, maxPerDigest, grace)
				logrus.WithField("max_total", maxTotal).WithField("max_per_digest", maxPerDigest).WithField("grace", grace).Info("reloaded admission config")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Warn("config watcher error")
			}
		}
	}()
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
