package config

import "time"

// BridgeSettings tunes the event bridge.
type BridgeSettings struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// Queue is the durable broker queue the bridge consumes from.
	Queue string `mapstructure:"queue"`
	// AuthURL is the authorization collaborator resolving session scopes.
	AuthURL string `mapstructure:"auth_url"`
	// SendBuffer is the per-connection outbound buffer; a connection whose
	// buffer fills is dropped rather than allowed to stall fan-out.
	SendBuffer        int           `mapstructure:"send_buffer" validate:"min=1"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}
