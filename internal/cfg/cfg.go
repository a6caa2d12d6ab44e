// Package cfg holds the application-level configuration knobs, registered
// as flags and fillable from AEGIS_-prefixed environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"

	"github.com/linnemanlabs/aegis/internal/risk"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL     string
	SlackWebhookURL string
	NATSURL         string
	NATSSubject     string

	ZonesPath     string
	FPS           int
	SimulatedTime bool

	PersistenceFrames int
	EscalationRate    float64
	DecayRate         float64
	DecayDelayFrames  int
	ThresholdMedium   float64
	ThresholdHigh     float64
	ThresholdCritical float64
	RunningSpeed      float64
	TrackGraceFrames  int

	AlertCooldownSeconds int
	AlertMinLevel        string

	SemanticPrompt         string
	RiskTriggerThreshold   float64
	CacheTTLSeconds        int
	CacheCapacity          int
	MaxConcurrentInference int
	InferenceWorkers       int
	TaskTimeoutSeconds     int
	StalenessWindowFrames  int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude grounding backend (empty = fallback mode, no semantic inference)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for semantic grounding")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the durable alert archive (empty = in-memory feed only)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert notifications")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for alert publishing (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "aegis.alerts", "NATS subject alerts are published on")

	fs.StringVar(&c.ZonesPath, "zones-path", "", "path to the zone definition JSON file (empty = no zones)")
	fs.IntVar(&c.FPS, "fps", 30, "assumed frame rate of the source feed")
	fs.BoolVar(&c.SimulatedTime, "simulated-time", false, "drive cooldowns and TTLs from frame indices instead of the wall clock (deterministic replay)")

	fs.IntVar(&c.PersistenceFrames, "persistence-frames", 30, "consecutive signal frames before escalation begins")
	fs.Float64Var(&c.EscalationRate, "escalation-rate", 0.02, "per-frame score increase while escalating")
	fs.Float64Var(&c.DecayRate, "decay-rate", 0.01, "per-frame score decrease while decaying")
	fs.IntVar(&c.DecayDelayFrames, "decay-delay-frames", 30, "frames a score holds after the signal stops before decay begins")
	fs.Float64Var(&c.ThresholdMedium, "threshold-medium", 0.3, "score at which risk becomes MEDIUM")
	fs.Float64Var(&c.ThresholdHigh, "threshold-high", 0.6, "score at which risk becomes HIGH")
	fs.Float64Var(&c.ThresholdCritical, "threshold-critical", 0.8, "score at which risk becomes CRITICAL")
	fs.Float64Var(&c.RunningSpeed, "running-speed", 8.0, "px/frame speed treated as a full-strength speed anomaly")
	fs.IntVar(&c.TrackGraceFrames, "track-grace-frames", 90, "frames an unobserved track's state is retained before eviction")

	fs.IntVar(&c.AlertCooldownSeconds, "alert-cooldown-seconds", 60, "per-track quiet period between alerts")
	fs.StringVar(&c.AlertMinLevel, "alert-min-level", "HIGH", "lowest risk level that emits an alert (LOW|MEDIUM|HIGH|CRITICAL)")

	fs.StringVar(&c.SemanticPrompt, "semantic-prompt", "", "standing user query submitted at startup (empty = none)")
	fs.Float64Var(&c.RiskTriggerThreshold, "risk-trigger-threshold", 0.6, "score whose upward crossing fires a semantic inference trigger")
	fs.IntVar(&c.CacheTTLSeconds, "cache-ttl-seconds", 60, "seconds a completed inference result is served from cache")
	fs.IntVar(&c.CacheCapacity, "cache-capacity", 128, "maximum completed entries in the inference result cache")
	fs.IntVar(&c.MaxConcurrentInference, "max-concurrent-inference", 2, "hard cap on inference tasks running at once")
	fs.IntVar(&c.InferenceWorkers, "inference-workers", 2, "fixed inference worker pool size")
	fs.IntVar(&c.TaskTimeoutSeconds, "task-timeout-seconds", 0, "per-task inference deadline (0 = none, a hung call holds its slot)")
	fs.IntVar(&c.StalenessWindowFrames, "staleness-window-frames", 90, "maximum frame lag before a late inference result is discarded")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.FPS <= 0 {
		errs = append(errs, fmt.Errorf("invalid FPS %d (must be positive)", c.FPS))
	}
	if c.PersistenceFrames <= 0 {
		errs = append(errs, fmt.Errorf("invalid PERSISTENCE_FRAMES %d (must be positive)", c.PersistenceFrames))
	}
	if c.EscalationRate <= 0 || c.EscalationRate > 1 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_RATE %v (must be in (0,1])", c.EscalationRate))
	}
	if c.DecayRate <= 0 || c.DecayRate > 1 {
		errs = append(errs, fmt.Errorf("invalid DECAY_RATE %v (must be in (0,1])", c.DecayRate))
	}
	if c.DecayDelayFrames < 0 {
		errs = append(errs, fmt.Errorf("invalid DECAY_DELAY_FRAMES %d (must not be negative)", c.DecayDelayFrames))
	}
	if !(c.ThresholdMedium > 0 && c.ThresholdMedium < c.ThresholdHigh && c.ThresholdHigh < c.ThresholdCritical && c.ThresholdCritical <= 1) {
		errs = append(errs, fmt.Errorf("risk thresholds %v/%v/%v must be strictly ascending in (0,1]",
			c.ThresholdMedium, c.ThresholdHigh, c.ThresholdCritical))
	}
	if c.RunningSpeed <= 0 {
		errs = append(errs, fmt.Errorf("invalid RUNNING_SPEED %v (must be positive)", c.RunningSpeed))
	}
	if c.TrackGraceFrames <= 0 {
		errs = append(errs, fmt.Errorf("invalid TRACK_GRACE_FRAMES %d (must be positive)", c.TrackGraceFrames))
	}

	if c.AlertCooldownSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid ALERT_COOLDOWN_SECONDS %d (must be positive)", c.AlertCooldownSeconds))
	}
	if _, err := risk.ParseLevel(c.AlertMinLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid ALERT_MIN_LEVEL %q: %w", c.AlertMinLevel, err))
	}

	if c.RiskTriggerThreshold <= 0 || c.RiskTriggerThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid RISK_TRIGGER_THRESHOLD %v (must be in (0,1])", c.RiskTriggerThreshold))
	}
	if c.CacheTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid CACHE_TTL_SECONDS %d (must be positive)", c.CacheTTLSeconds))
	}
	if c.CacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid CACHE_CAPACITY %d (must be positive)", c.CacheCapacity))
	}
	if c.MaxConcurrentInference <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_INFERENCE %d (must be positive)", c.MaxConcurrentInference))
	}
	if c.InferenceWorkers <= 0 {
		errs = append(errs, fmt.Errorf("invalid INFERENCE_WORKERS %d (must be positive)", c.InferenceWorkers))
	}
	if c.TaskTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid TASK_TIMEOUT_SECONDS %d (must not be negative)", c.TaskTimeoutSeconds))
	}
	if c.StalenessWindowFrames <= 0 {
		errs = append(errs, fmt.Errorf("invalid STALENESS_WINDOW_FRAMES %d (must be positive)", c.StalenessWindowFrames))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
