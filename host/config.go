package host

import (
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/merrors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Config holds the protocol timing and retry policy of the engine.
type Config struct {
	// ConnectDelay is the debounce wait between a connect and the first reset.
	ConnectDelay time.Duration `mapstructure:"connect_delay"`

	// RestartDelay is the backoff before a failed reset or descriptor
	// sequence starts over.
	RestartDelay time.Duration `mapstructure:"restart_delay"`

	// ResetTimeout bounds how long reset signalling may take to complete.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`

	// ResetRecovery is the wait between reset completion and SET_ADDRESS.
	ResetRecovery time.Duration `mapstructure:"reset_recovery"`

	// SetAddressSettle is the wait after SET_ADDRESS before the device is
	// addressed at its new address.
	SetAddressSettle time.Duration `mapstructure:"set_address_settle"`

	// ControlTimeout bounds every control request.
	ControlTimeout time.Duration `mapstructure:"control_timeout"`

	// MaxResetRetries is the number of failed reset attempts after which a
	// port enters the error state.
	MaxResetRetries int `mapstructure:"max_reset_retries"`

	// MaxEnumRetries is the number of failed descriptor or hub-init attempts
	// after which a device enters the error state.
	MaxEnumRetries int `mapstructure:"max_enum_retries"`

	// ConfigBufferSize is the initial configuration descriptor buffer.
	ConfigBufferSize int `mapstructure:"config_buffer_size"`

	// MaxHubDepth is the deepest tier an external hub may sit at.
	MaxHubDepth int `mapstructure:"max_hub_depth"`

	// NotifyBackoffMin and NotifyBackoffMax bound the jittered delay before
	// a failed hub status sequence restarts.
	NotifyBackoffMin time.Duration `mapstructure:"notify_backoff_min"`
	NotifyBackoffMax time.Duration `mapstructure:"notify_backoff_max"`

	// LangID is used for string requests when the device reports none.
	LangID uint16 `mapstructure:"lang_id"`
}

// DefaultConfig returns the USB 2.0 timing defaults.
func DefaultConfig() Config {
	return Config{
		ConnectDelay:     100 * time.Millisecond,
		RestartDelay:     500 * time.Millisecond,
		ResetTimeout:     500 * time.Millisecond,
		ResetRecovery:    10 * time.Millisecond,
		SetAddressSettle: 2 * time.Millisecond,
		ControlTimeout:   time.Second,
		MaxResetRetries:  10,
		MaxEnumRetries:   10,
		ConfigBufferSize: 256,
		MaxHubDepth:      5,
		NotifyBackoffMin: 50 * time.Millisecond,
		NotifyBackoffMax: time.Second,
		LangID:           hal.LangIDUSEnglish,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	errs := merrors.New()
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs.Add(errors.Wrapf(pkg.ErrInvalidParameter, "%s must be positive, got %v", name, d))
		}
	}
	atLeast := func(name string, v, min int) {
		if v < min {
			errs.Add(errors.Wrapf(pkg.ErrInvalidParameter, "%s must be at least %d, got %d", name, min, v))
		}
	}

	positive("connect_delay", c.ConnectDelay)
	positive("restart_delay", c.RestartDelay)
	positive("reset_timeout", c.ResetTimeout)
	positive("reset_recovery", c.ResetRecovery)
	positive("set_address_settle", c.SetAddressSettle)
	positive("control_timeout", c.ControlTimeout)
	positive("notify_backoff_min", c.NotifyBackoffMin)
	atLeast("max_reset_retries", c.MaxResetRetries, 1)
	atLeast("max_enum_retries", c.MaxEnumRetries, 1)
	atLeast("config_buffer_size", c.ConfigBufferSize, hal.ConfigurationDescriptorSize)
	atLeast("max_hub_depth", c.MaxHubDepth, 1)
	if c.ConfigBufferSize > 0xFFFF {
		errs.Add(errors.Wrapf(pkg.ErrInvalidParameter, "config_buffer_size %d exceeds wLength", c.ConfigBufferSize))
	}
	if c.NotifyBackoffMax < c.NotifyBackoffMin {
		errs.Add(errors.Wrapf(pkg.ErrInvalidParameter, "notify_backoff_max %v below notify_backoff_min %v",
			c.NotifyBackoffMax, c.NotifyBackoffMin))
	}
	return errs.Err()
}
