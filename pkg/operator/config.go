/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package operator

import (
	"math"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/launchtemplate"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/selection"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
)

// Storage backends.
const (
	StorageJSON = "json"
	StorageSQL  = "sql"
)

// Config is the broker's TOML configuration file.
type Config struct {
	Provider       ProviderConfig       `toml:"provider"`
	LaunchTemplate LaunchTemplateConfig `toml:"launch_template"`
	Storage        StorageConfig        `toml:"storage"`
	Templates      []*v1.Template       `toml:"templates"`
}

type ProviderConfig struct {
	// SelectionPolicy is one of ROUND_ROBIN, WEIGHTED_ROUND_ROBIN, HEALTH_BASED
	// or CAPABILITY_BASED.
	SelectionPolicy string `toml:"selection_policy"`
	// HealthCheckInterval is the seconds between background health probes in
	// serve mode.
	HealthCheckInterval int                      `toml:"health_check_interval"`
	CircuitBreaker      CircuitBreakerConfig     `toml:"circuit_breaker"`
	Providers           []ProviderInstanceConfig `toml:"providers"`
}

type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	// RecoveryTimeout is the seconds an open circuit rejects calls before
	// admitting probes again.
	RecoveryTimeout  int `toml:"recovery_timeout"`
	HalfOpenMaxCalls int `toml:"half_open_max_calls"`
}

// ProviderInstanceConfig registers one provider instance for selection.
type ProviderInstanceConfig struct {
	Name         string            `toml:"name"`
	Type         string            `toml:"type"`
	Enabled      bool              `toml:"enabled"`
	Priority     int               `toml:"priority"`
	Weight       int               `toml:"weight"`
	Capabilities []string          `toml:"capabilities"`
	Config       map[string]string `toml:"config"`
}

type LaunchTemplateConfig struct {
	CreatePerRequest       bool   `toml:"create_per_request"`
	ReuseExisting          bool   `toml:"reuse_existing"`
	NamingStrategy         string `toml:"naming_strategy"`
	CleanupOldVersions     bool   `toml:"cleanup_old_versions"`
	MaxVersionsPerTemplate int    `toml:"max_versions_per_template"`
}

type StorageConfig struct {
	// Strategy is json or sql.
	Strategy string `toml:"strategy"`
	// Path is the collection directory for json, the database file for sql.
	Path string `toml:"path"`
}

// DefaultConfig returns the configuration used when no file is given. A single
// enabled provider instance keeps a bare install requestable.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			SelectionPolicy:     string(selection.PolicyRoundRobin),
			HealthCheckInterval: 30,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  60,
				HalfOpenMaxCalls: 1,
			},
			Providers: []ProviderInstanceConfig{{
				Name:    "aws-default",
				Type:    "aws",
				Enabled: true,
				Weight:  1,
			}},
		},
		LaunchTemplate: LaunchTemplateConfig{
			ReuseExisting:          true,
			NamingStrategy:         string(launchtemplate.NamingHashed),
			MaxVersionsPerTemplate: 10,
		},
		Storage: StorageConfig{
			Strategy: StorageJSON,
			Path:     "/var/lib/resource-broker",
		},
	}
}

// LoadConfig reads the TOML file at path over the defaults. An empty path
// returns the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, err, "reading configuration file")
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(errors.KindConfiguration, err, "parsing configuration file")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() (err error) {
	if _, perr := selection.ParsePolicy(c.Provider.SelectionPolicy); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.Provider.HealthCheckInterval <= 0 {
		err = multierr.Append(err, errors.Configurationf("provider.health_check_interval must be positive, got %d", c.Provider.HealthCheckInterval))
	}
	if len(c.Provider.Providers) == 0 {
		err = multierr.Append(err, errors.Configurationf("provider.providers must register at least one instance"))
	}
	for _, instance := range c.Provider.Providers {
		if instance.Name == "" {
			err = multierr.Append(err, errors.Configurationf("provider instance with empty name"))
		}
		if instance.Weight < 0 {
			err = multierr.Append(err, errors.Configurationf("provider instance %s has negative weight %d", instance.Name, instance.Weight))
		}
	}
	switch launchtemplate.NamingStrategy(c.LaunchTemplate.NamingStrategy) {
	case launchtemplate.NamingHashed, launchtemplate.NamingNamed, "":
	default:
		err = multierr.Append(err, errors.Configurationf("launch_template.naming_strategy may only be hashed or named, got %q", c.LaunchTemplate.NamingStrategy))
	}
	switch c.Storage.Strategy {
	case StorageJSON, StorageSQL:
	default:
		err = multierr.Append(err, errors.Configurationf("storage.strategy may only be json or sql, got %q", c.Storage.Strategy))
	}
	for _, tmpl := range c.Templates {
		if terr := tmpl.Validate(); terr != nil {
			err = multierr.Append(err, errors.Wrap(errors.KindConfiguration, terr, "template %s", tmpl.ID))
		}
	}
	return err
}

// SelectionPolicy returns the parsed policy. Validate already rejected unknown
// names.
func (c *Config) SelectionPolicy() selection.Policy {
	policy, _ := selection.ParsePolicy(c.Provider.SelectionPolicy)
	return policy
}

// SelectionInstances maps the configured provider instances into the
// selector's shape.
func (c *Config) SelectionInstances() []selection.Instance {
	instances := make([]selection.Instance, 0, len(c.Provider.Providers))
	for _, p := range c.Provider.Providers {
		instances = append(instances, selection.Instance{
			Name:         p.Name,
			Type:         p.Type,
			Enabled:      p.Enabled,
			Priority:     p.Priority,
			Weight:       p.Weight,
			Capabilities: p.Capabilities,
		})
	}
	return instances
}

// BreakerSettings maps the breaker block onto the resilience layer. A disabled
// breaker collapses to a failure threshold no workload reaches.
func (c *Config) BreakerSettings() resilience.BreakerSettings {
	if !c.Provider.CircuitBreaker.Enabled {
		return resilience.BreakerSettings{FailureThreshold: math.MaxInt32}
	}
	return resilience.BreakerSettings{
		FailureThreshold: c.Provider.CircuitBreaker.FailureThreshold,
		ResetTimeout:     time.Duration(c.Provider.CircuitBreaker.RecoveryTimeout) * time.Second,
		HalfOpenMaxCalls: c.Provider.CircuitBreaker.HalfOpenMaxCalls,
	}
}

// LaunchTemplateOptions maps the launch template block onto the provider.
// create_per_request wins over reuse_existing when both are set.
func (c *Config) LaunchTemplateOptions() launchtemplate.Options {
	opts := launchtemplate.Options{
		Strategy:      launchtemplate.StrategyReuse,
		Naming:        launchtemplate.NamingStrategy(c.LaunchTemplate.NamingStrategy),
		PruneVersions: c.LaunchTemplate.CleanupOldVersions,
		MaxVersions:   c.LaunchTemplate.MaxVersionsPerTemplate,
	}
	if c.LaunchTemplate.CreatePerRequest || !c.LaunchTemplate.ReuseExisting {
		opts.Strategy = launchtemplate.StrategyNewVersion
	}
	return opts
}

// HealthCheckInterval returns the probe cadence as a duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Provider.HealthCheckInterval) * time.Second
}
