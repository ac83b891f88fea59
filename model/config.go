package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// RegistryConfig is the JSON form of the model registry. A file may hold it
// directly or under a top-level "model_registry" key.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty"`
}

// Validate checks that every model named by a capability or the defaults has
// an endpoint.
func (c *RegistryConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("model registry: no endpoints configured")
	}

	names := make([]string, 0, len(c.Capabilities))
	for name := range c.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := c.Capabilities[name]
		if cfg == nil {
			return fmt.Errorf("model registry: capability %q is empty", name)
		}
		for _, m := range append(append([]string{}, cfg.Preferred...), cfg.Fallback...) {
			if _, ok := c.Endpoints[m]; !ok {
				return fmt.Errorf("model registry: capability %q references unknown endpoint %q", name, m)
			}
		}
	}
	for name, ep := range c.Endpoints {
		if ep == nil || ep.Provider == "" {
			return fmt.Errorf("model registry: endpoint %q has no provider", name)
		}
	}
	if c.Defaults != nil && c.Defaults.Model != "" {
		if _, ok := c.Endpoints[c.Defaults.Model]; !ok {
			return fmt.Errorf("model registry: default model %q has no endpoint", c.Defaults.Model)
		}
	}
	return nil
}

// LoadFromFile loads and validates a registry from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return LoadFromJSON(data)
}

// LoadFromJSON loads and validates a registry from JSON data.
func LoadFromJSON(data []byte) (*Registry, error) {
	var wrapped struct {
		ModelRegistry *RegistryConfig `json:"model_registry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ModelRegistry != nil {
		return fromConfig(wrapped.ModelRegistry)
	}

	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}
	return fromConfig(&cfg)
}

func fromConfig(cfg *RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		// Unknown capability names are kept as-is.
		caps[Capability(k)] = v
	}

	return &Registry{
		capabilities: caps,
		endpoints:    cfg.Endpoints,
		defaults:     cfg.Defaults,
	}, nil
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}

	return &RegistryConfig{
		Capabilities: caps,
		Endpoints:    r.endpoints,
		Defaults:     r.defaults,
	}
}
