package config

// DbSettings holds configuration for the schedule store.
type DbSettings struct {
	DSN string `mapstructure:"dsn" validate:"required"`
	// NotifyChannel is the LISTEN/NOTIFY channel the schedule trigger fires on.
	NotifyChannel string `mapstructure:"notify_channel" validate:"required"`
}
