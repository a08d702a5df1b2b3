/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-appkit/config"

	"github.com/acronis/go-gcra/gcra"
	"github.com/acronis/go-gcra/kvstore"
)

// Commit policy names as they appear in configuration.
const (
	CommitPolicyNameImmediate = "immediate"
	CommitPolicyNameDeferred  = "deferred"
	CommitPolicyNameDisabled  = "disabled"
)

// DefaultMaxKeys is the default maximum number of per-key states kept in memory.
const DefaultMaxKeys = 65536

// Config represents a configuration for the keyed rate limiter.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Rate is a textual rate limit in the N/(s|m|h) form, for example "100/m".
	Rate RateValue `mapstructure:"rate" yaml:"rate" json:"rate"`

	// MaxKeys is the maximum number of per-key states kept in memory.
	MaxKeys int `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`

	// NumShards is the number of partitions of the key space.
	NumShards int `mapstructure:"numShards" yaml:"numShards" json:"numShards"`

	// CommitPolicy defines when admitted states are written back to the upstream:
	// "immediate" (default), "deferred" or "disabled".
	CommitPolicy string `mapstructure:"commitPolicy" yaml:"commitPolicy" json:"commitPolicy"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	var opts configOptions
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault("maxKeys", DefaultMaxKeys)
	dp.SetDefault("commitPolicy", CommitPolicyNameImmediate)
}

// Set sets rate limiter configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.Unmarshal(c, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.Rate.Count < 1 {
		return fmt.Errorf("rate should be >= 1, got %d", c.Rate.Count)
	}
	if c.MaxKeys < 0 {
		return fmt.Errorf("maximum keys should be >= 0, got %d", c.MaxKeys)
	}
	if c.NumShards < 0 {
		return fmt.Errorf("number of shards should be >= 0, got %d", c.NumShards)
	}
	if _, err := c.MakeCommitPolicy(); err != nil {
		return err
	}
	return nil
}

// MakeRateLimit makes a gcra.RateLimit from the configured rate.
func (c *Config) MakeRateLimit() (gcra.RateLimit, error) {
	if c.Rate.Count < 0 || uint64(c.Rate.Count) > math.MaxUint32 {
		return gcra.RateLimit{}, fmt.Errorf("rate count %d is out of range", c.Rate.Count)
	}
	return gcra.NewRateLimit(uint32(c.Rate.Count), c.Rate.Duration)
}

// MakeCommitPolicy makes a kvstore.CommitPolicy from the configured name.
func (c *Config) MakeCommitPolicy() (kvstore.CommitPolicy, error) {
	switch c.CommitPolicy {
	case "", CommitPolicyNameImmediate:
		return kvstore.CommitPolicyImmediate, nil
	case CommitPolicyNameDeferred:
		return kvstore.CommitPolicyDeferred, nil
	case CommitPolicyNameDisabled:
		return kvstore.CommitPolicyDisabled, nil
	}
	return 0, fmt.Errorf("unknown commit policy %q", c.CommitPolicy)
}

// MaxKeysOrDefault returns the configured maximum number of keys, or DefaultMaxKeys when unset.
func (c *Config) MaxKeysOrDefault() int {
	if c.MaxKeys == 0 {
		return DefaultMaxKeys
	}
	return c.MaxKeys
}

// RateValue represents a textual rate limit value.
type RateValue struct {
	Count    int
	Duration time.Duration
}

// String returns a string representation of the rate limit value.
// Implements fmt.Stringer interface.
func (rv RateValue) String() string {
	if rv.Duration == 0 && rv.Count == 0 {
		return ""
	}
	var d string
	switch rv.Duration {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	default:
		d = rv.Duration.String()
	}
	return fmt.Sprintf("%d/%s", rv.Count, d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (rv *RateValue) UnmarshalText(text []byte) error {
	return rv.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rv *RateValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rv *RateValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

func (rv *RateValue) unmarshal(rate string) error {
	if rate == "" {
		*rv = RateValue{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 100/m, 1000/h", rate)
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil {
		return incorrectFormatErr
	}
	var dur time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	default:
		return incorrectFormatErr
	}
	*rv = RateValue{Count: count, Duration: dur}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rv RateValue) MarshalText() ([]byte, error) {
	return []byte(rv.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (rv RateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(rv.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (rv RateValue) MarshalYAML() (interface{}, error) {
	return rv.String(), nil
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
