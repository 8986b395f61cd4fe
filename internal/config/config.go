// Package config defines configuration parsing and helpers.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// Knobs with an _MS suffix are plain millisecond integers so that the same
// names work from docker-compose files and shell exports.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// QueueURL is the redis endpoint backing the durable operation queue.
	QueueURL string `env:"QUEUE_URL" envDefault:"redis://localhost:6379/0"`
	// DBPath is the embedded SQL store for sync intervals, run history, and
	// the terminal job audit.
	DBPath string `env:"DB_PATH" envDefault:"./data/erpqueue.db"`

	// DriverURL is the browser-automation sidecar driving the legacy ERP UI.
	DriverURL string `env:"DRIVER_URL" envDefault:"http://localhost:9321"`
	// SpoolDir receives downloaded PDF listings for frontend pickup.
	SpoolDir string `env:"SPOOL_DIR" envDefault:"./data/spool"`

	JWTSecret string `env:"JWT_SECRET"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// OperationTimeoutsJSON carries per-type handler timeout overrides as a
	// JSON object of {"type": milliseconds}.
	OperationTimeoutsJSON string `env:"OPERATION_TIMEOUTS_JSON"`

	// Processor tuning.
	ProcessorWorkers     int   `env:"PROCESSOR_WORKERS" envDefault:"4"`
	PreemptionDeadlineMS int64 `env:"PREEMPTION_DEADLINE_MS" envDefault:"30000"`
	PreemptionPollMS     int64 `env:"PREEMPTION_POLL_INTERVAL_MS" envDefault:"500"`
	LeaseDurationMS      int64 `env:"LEASE_DURATION_MS" envDefault:"360000"`
	BusyRetryDelayMS     int64 `env:"BUSY_RETRY_DELAY_MS" envDefault:"2000"`
	// WriteMaxAttempts raises the retry budget of write operations above the
	// default single attempt. Only set this when the ERP honors the
	// idempotency key supplied at enqueue; otherwise a retry can duplicate
	// the write.
	WriteMaxAttempts int `env:"WRITE_MAX_ATTEMPTS" envDefault:"1"`

	// Real-time hub tuning.
	WSHeartbeatMS int64 `env:"WS_HEARTBEAT_MS" envDefault:"30000"`
	WSBufferSize  int   `env:"WS_BUFFER_SIZE" envDefault:"200"`
	WSBufferTTLMS int64 `env:"WS_BUFFER_TTL_MS" envDefault:"300000"`

	// HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"erpqueue"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ProcessorWorkers <= 0 {
		return fmt.Errorf("op=config.Load: PROCESSOR_WORKERS must be positive")
	}
	if c.LeaseDurationMS <= 0 {
		return fmt.Errorf("op=config.Load: LEASE_DURATION_MS must be positive")
	}
	if _, err := c.OperationTimeouts(); err != nil {
		return err
	}
	return nil
}

// PreemptionDeadline is how long a preempting job polls for the agent lock
// before giving up and requeueing itself.
func (c Config) PreemptionDeadline() time.Duration {
	return time.Duration(c.PreemptionDeadlineMS) * time.Millisecond
}

// PreemptionPoll is the interval between lock acquisition attempts during a
// preemption negotiation.
func (c Config) PreemptionPoll() time.Duration {
	return time.Duration(c.PreemptionPollMS) * time.Millisecond
}

// LeaseDuration must stay strictly greater than the longest handler timeout
// plus the wind-down window, or stalled-job reclamation will fire spuriously.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationMS) * time.Millisecond
}

// BusyRetryDelay is the short requeue delay used when the agent lock is held
// by an equal-or-higher priority job.
func (c Config) BusyRetryDelay() time.Duration {
	return time.Duration(c.BusyRetryDelayMS) * time.Millisecond
}

// WSHeartbeat is the ping interval for WebSocket liveness probes.
func (c Config) WSHeartbeat() time.Duration {
	return time.Duration(c.WSHeartbeatMS) * time.Millisecond
}

// WSBufferTTL is the age bound of the per-user replay ring buffer.
func (c Config) WSBufferTTL() time.Duration {
	return time.Duration(c.WSBufferTTLMS) * time.Millisecond
}

// OperationTimeouts parses OPERATION_TIMEOUTS_JSON into per-type durations.
func (c Config) OperationTimeouts() (map[string]time.Duration, error) {
	if strings.TrimSpace(c.OperationTimeoutsJSON) == "" {
		return nil, nil
	}
	var raw map[string]int64
	if err := json.Unmarshal([]byte(c.OperationTimeoutsJSON), &raw); err != nil {
		return nil, fmt.Errorf("op=config.OperationTimeouts: %w", err)
	}
	out := make(map[string]time.Duration, len(raw))
	for t, ms := range raw {
		if ms <= 0 {
			return nil, fmt.Errorf("op=config.OperationTimeouts: %s must be positive", t)
		}
		out[t] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
