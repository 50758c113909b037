package vmctl

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values.
const (
	// DefaultAddress is the default listen and dial address.
	DefaultAddress = "127.0.0.1:7161"

	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize bounds a single message. A dump of the default
	// machine fits comfortably.
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultDialTimeout is how long Dial waits for the connection.
	DefaultDialTimeout = 5 * time.Second
)

// Configuration errors.
var (
	ErrNoAddress     = errors.New("vmctl address is required")
	ErrInvalidConfig = errors.New("invalid vmctl configuration")
)

// Config holds the configuration shared by the control server and client.
type Config struct {
	// Address is the host:port to listen on or dial.
	Address string

	// Token, when set, must accompany every call in the x-token header.
	Token string

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize is the maximum message size in bytes.
	MaxMessageSize int

	// DialTimeout bounds Dial.
	DialTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:          DefaultAddress,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		DialTimeout:      DefaultDialTimeout,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Address == "" {
		return ErrNoAddress
	}
	if c.KeepaliveTime < 0 || c.KeepaliveTimeout < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("%w: durations must be non-negative", ErrInvalidConfig)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = d.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = d.KeepaliveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
}
