package config

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type     string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	// DeadLetterExchange receives messages that exceed DeliveryLimit.
	DeadLetterExchange string `mapstructure:"dead_letter_exchange"`
	DeliveryLimit      int    `mapstructure:"delivery_limit"`
	ProjectID          string `mapstructure:"projectID"` // Optional for brokers like GCP Pub/Sub
}
