package config

import "time"

// SchedulerSettings tunes the scheduler daemon loop.
type SchedulerSettings struct {
	// BatchSize caps how many due items one cycle claims.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`
	// MaxAttempts bounds retries; an item whose attempt_count reaches this
	// goes to failed instead of pending.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1"`
	// MaxIdleWait bounds the change-channel wait when no pending items exist.
	// It is the correctness backstop for missed notifications.
	MaxIdleWait time.Duration `mapstructure:"max_idle_wait"`
	// StaleClaimAfter is the age past which a claim's holder is presumed dead.
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after"`
	// PublishTimeout bounds the broker publish-confirmation wait.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}
