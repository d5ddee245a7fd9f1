// Package lwm2mconfig loads client configuration in three layers —
// built-in defaults, an optional INI provisioning file (grounded on
// gocanopen's EDS-file loading via gopkg.in/ini.v1), then environment
// variable overrides (caarlos0/env/v7) — so a device image can ship with
// defaults baked in, a provisioning file installed at flash time, and
// still let an operator override one field for a field trial.
package lwm2mconfig

import (
	"time"

	"github.com/caarlos0/env/v7"
	"gopkg.in/ini.v1"
)

// Config is the full client configuration: endpoint identity, the bootstrap
// or registration server to contact, retry/timing policy, and transport
// selection.
//
// Fields carry only an `env` tag, deliberately without `envDefault`: the
// default values live in Default() below as a plain struct literal, and
// ApplyEnv relies on caarlos0/env leaving a field untouched when its
// variable is unset so the file layer underneath survives an env pass
// that doesn't mention it. An `envDefault` tag here would make ApplyEnv
// reset every unset-in-environment field back to that default, silently
// discarding whatever the INI layer set.
type Config struct {
	EndpointName string `env:"LWM2M_ENDPOINT_NAME"`
	LifetimeSec  int    `env:"LWM2M_LIFETIME_SEC"`
	BindingMode  string `env:"LWM2M_BINDING_MODE"`
	QueueMode    bool   `env:"LWM2M_QUEUE_MODE"`

	ServerURI string `env:"LWM2M_SERVER_URI"`
	Bootstrap bool   `env:"LWM2M_BOOTSTRAP"`
	ShortID   uint16 `env:"LWM2M_SHORT_SERVER_ID"`

	Transport string `env:"LWM2M_TRANSPORT"` // udp | tcp | dtls-psk

	PSKIdentity string `env:"LWM2M_PSK_IDENTITY"`
	PSKKeyHex   string `env:"LWM2M_PSK_KEY_HEX"`

	RetryTimerSec    int `env:"LWM2M_RETRY_TIMER_SEC"`
	RetryCount       int `env:"LWM2M_RETRY_COUNT"`
	SeqDelayTimerSec int `env:"LWM2M_SEQ_DELAY_TIMER_SEC"`
	SeqRetryCount    int `env:"LWM2M_SEQ_RETRY_COUNT"`

	ClientHoldOffSec   int `env:"LWM2M_CLIENT_HOLD_OFF_SEC"`
	BootstrapFinishSec int `env:"LWM2M_BOOTSTRAP_FINISH_SEC"`

	SendQueueCapacity int `env:"LWM2M_SEND_QUEUE_CAPACITY"`
}

// RetryTimer returns RetryTimerSec as a time.Duration.
func (c Config) RetryTimer() time.Duration { return time.Duration(c.RetryTimerSec) * time.Second }

// SeqDelayTimer returns SeqDelayTimerSec as a time.Duration.
func (c Config) SeqDelayTimer() time.Duration {
	return time.Duration(c.SeqDelayTimerSec) * time.Second
}

// ClientHoldOff returns ClientHoldOffSec as a time.Duration.
func (c Config) ClientHoldOff() time.Duration {
	return time.Duration(c.ClientHoldOffSec) * time.Second
}

// BootstrapFinishTimeout returns BootstrapFinishSec as a time.Duration.
func (c Config) BootstrapFinishTimeout() time.Duration {
	return time.Duration(c.BootstrapFinishSec) * time.Second
}

// Default returns a Config populated with this module's built-in values,
// with no file or environment layer applied.
func Default() Config {
	return Config{
		LifetimeSec:        86400,
		BindingMode:        "U",
		ShortID:            1,
		Transport:          "udp",
		RetryTimerSec:      60,
		RetryCount:         5,
		SeqDelayTimerSec:   86400,
		SeqRetryCount:      1,
		BootstrapFinishSec: 60,
		SendQueueCapacity:  16,
	}
}

// LoadFile merges an INI provisioning file into cfg. The file is expected
// to carry one [client] section with keys matching Config's field names
// case-insensitively (ini.v1's default mapping), e.g.:
//
//	[client]
//	EndpointName = urn:imei:000000000000001
//	ServerURI = coap://bootstrap.example.com:5683
//	Bootstrap = true
func LoadFile(cfg *Config, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}
	section := f.Section("client")
	return section.MapTo(cfg)
}

// ApplyEnv overlays environment variable values onto cfg, overriding
// whatever the defaults or the INI file set; it's the last and most
// specific layer.
func ApplyEnv(cfg *Config) error {
	return env.Parse(cfg)
}

// Load runs the full three-layer resolution: defaults, then path (if
// non-empty), then environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
