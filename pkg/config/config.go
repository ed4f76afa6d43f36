// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the client state
// engine: the record store backend, client table sizing, delivery limits,
// expiry and protocol steal policy.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/emqx-engine/pkg/clientstate"
	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/storage/pgstore"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// PostgresConfig holds the PostgreSQL connection settings. Durations are
// strings such as "30s".
type PostgresConfig struct {
	DSN             string `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	HealthTimeout   string `yaml:"health_timeout" json:"health_timeout"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend         string         `yaml:"backend" json:"backend"`
	Path            string         `yaml:"path" json:"path"`
	Postgres        PostgresConfig `yaml:"postgres" json:"postgres"`
	GenerationLimit int            `yaml:"generation_limit" json:"generation_limit"`
}

// ClientTableConfig sizes the client state registry.
type ClientTableConfig struct {
	InitialChains  int `yaml:"initial_chains" json:"initial_chains"`
	LoadingLimit   int `yaml:"loading_limit" json:"loading_limit"`
	MaxChains      int `yaml:"max_chains" json:"max_chains"`
	ChainIncrement int `yaml:"chain_increment" json:"chain_increment"`
}

// DeliveryConfig holds the per-client delivery id limits.
type DeliveryConfig struct {
	MaxInflight                    uint32 `yaml:"max_inflight" json:"max_inflight"`
	ReenablePercent                uint32 `yaml:"reenable_percent" json:"reenable_percent"`
	FreeChunkSubscriptionThreshold int64  `yaml:"free_chunk_subscription_threshold" json:"free_chunk_subscription_threshold"`
	LargeInflightWindow            uint32 `yaml:"large_inflight_window" json:"large_inflight_window"`
}

// ExpiryConfig controls the zombie expiry reaper.
type ExpiryConfig struct {
	ReaperInterval string `yaml:"reaper_interval" json:"reaper_interval"`
}

// ProtocolConfig is the steal policy between protocols, by protocol name.
type ProtocolConfig struct {
	Priority []string   `yaml:"priority" json:"priority"`
	Yielding []string   `yaml:"yielding" json:"yielding"`
	Aliases  [][]string `yaml:"aliases" json:"aliases"`
}

// NodeConfig sizes the node index allocator.
type NodeConfig struct {
	InitialIndices uint `yaml:"initial_indices" json:"initial_indices"`
	MaxIndices     uint `yaml:"max_indices" json:"max_indices"`
}

// EngineConfig represents the engine configuration section.
type EngineConfig struct {
	NodeID      string            `yaml:"node_id" json:"node_id"`
	MetricsPort string            `yaml:"metrics_port" json:"metrics_port"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	ClientTable ClientTableConfig `yaml:"client_table" json:"client_table"`
	Delivery    DeliveryConfig    `yaml:"delivery" json:"delivery"`
	Expiry      ExpiryConfig      `yaml:"expiry" json:"expiry"`
	Protocols   ProtocolConfig    `yaml:"protocols" json:"protocols"`
	Nodes       NodeConfig        `yaml:"nodes" json:"nodes"`
}

// Config holds the complete configuration
type Config struct {
	Engine EngineConfig `yaml:"engine" json:"engine"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			NodeID:      "emqx-engine-node",
			MetricsPort: ":8082",
			Store: StoreConfig{
				Backend: BackendMemory,
			},
			ClientTable: ClientTableConfig{
				InitialChains:  clientstate.DefaultInitialChains,
				LoadingLimit:   clientstate.DefaultLoadingLimit,
				MaxChains:      clientstate.DefaultMaxChains,
				ChainIncrement: clientstate.DefaultChainIncrement,
			},
			Delivery: DeliveryConfig{
				MaxInflight:                    delivery.DefaultMaxInflight,
				ReenablePercent:                delivery.DefaultReenablePercent,
				FreeChunkSubscriptionThreshold: 200000,
				LargeInflightWindow:            1024,
			},
			Expiry: ExpiryConfig{
				ReaperInterval: "30s",
			},
			Protocols: ProtocolConfig{
				Priority: []string{"engine"},
				Yielding: []string{"engine"},
				Aliases:  [][]string{{"mqtt", "plugin"}},
			},
			Nodes: NodeConfig{
				InitialIndices: 64,
				MaxIndices:     65536,
			},
		},
	}
}

// LoadConfig loads configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Sections missing from the file keep their defaults.
	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = ioutil.WriteFile(configPath, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	e := config.Engine
	if e.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}

	switch e.Store.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if e.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", BackendLevelDB)
		}
	case BackendPostgres:
		if e.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unsupported store backend: %s (supported: memory, leveldb, postgres)", e.Store.Backend)
	}
	if e.Store.GenerationLimit < 0 {
		return fmt.Errorf("store.generation_limit cannot be negative")
	}
	for name, d := range map[string]string{
		"store.postgres.conn_max_lifetime": e.Store.Postgres.ConnMaxLifetime,
		"store.postgres.health_timeout":    e.Store.Postgres.HealthTimeout,
		"expiry.reaper_interval":           e.Expiry.ReaperInterval,
	} {
		if _, err := parseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	t := e.ClientTable
	if t.InitialChains <= 0 || t.LoadingLimit <= 0 || t.ChainIncrement <= 0 {
		return fmt.Errorf("client_table sizes must be positive")
	}
	if t.MaxChains < t.InitialChains {
		return fmt.Errorf("client_table.max_chains (%d) is below initial_chains (%d)", t.MaxChains, t.InitialChains)
	}

	if e.Delivery.MaxInflight == 0 || e.Delivery.MaxInflight > delivery.MaxDeliveryID {
		return fmt.Errorf("delivery.max_inflight must be between 1 and %d", delivery.MaxDeliveryID)
	}
	if e.Delivery.ReenablePercent == 0 || e.Delivery.ReenablePercent > 100 {
		return fmt.Errorf("delivery.reenable_percent must be between 1 and 100")
	}

	if e.Nodes.InitialIndices == 0 || e.Nodes.MaxIndices < e.Nodes.InitialIndices {
		return fmt.Errorf("nodes: initial_indices must be positive and not above max_indices")
	}

	if _, err := e.Protocols.policy(); err != nil {
		return err
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s is negative", s)
	}
	return d, nil
}

func (p ProtocolConfig) policy() (clientstate.ProtocolPolicy, error) {
	policy := clientstate.ProtocolPolicy{
		Priority: make(map[clientstate.Protocol]bool),
		Yielding: make(map[clientstate.Protocol]bool),
	}
	for _, name := range p.Priority {
		proto, err := clientstate.ParseProtocol(name)
		if err != nil {
			return policy, fmt.Errorf("protocols.priority: %w", err)
		}
		policy.Priority[proto] = true
	}
	for _, name := range p.Yielding {
		proto, err := clientstate.ParseProtocol(name)
		if err != nil {
			return policy, fmt.Errorf("protocols.yielding: %w", err)
		}
		policy.Yielding[proto] = true
	}
	for i, group := range p.Aliases {
		var protos []clientstate.Protocol
		for _, name := range group {
			proto, err := clientstate.ParseProtocol(name)
			if err != nil {
				return policy, fmt.Errorf("protocols.aliases[%d]: %w", i, err)
			}
			protos = append(protos, proto)
		}
		policy.Aliases = append(policy.Aliases, protos)
	}
	return policy, nil
}

// ReaperInterval returns the zombie expiry reaper interval, zero to disable.
func (c *Config) ReaperInterval() time.Duration {
	d, _ := parseDuration(c.Engine.Expiry.ReaperInterval)
	return d
}

// PostgresStoreConfig converts the postgres section for pgstore.Open.
func (c *Config) PostgresStoreConfig() pgstore.Config {
	p := c.Engine.Store.Postgres
	lifetime, _ := parseDuration(p.ConnMaxLifetime)
	timeout, _ := parseDuration(p.HealthTimeout)
	return pgstore.Config{
		DSN:             p.DSN,
		MaxOpenConns:    p.MaxOpenConns,
		MaxIdleConns:    p.MaxIdleConns,
		ConnMaxLifetime: lifetime,
		HealthTimeout:   timeout,
	}
}

// EngineConfig converts the configuration into the client state engine's
// settings. Collaborators such as the will publisher are left unset.
func (c *Config) EngineConfig() (clientstate.Config, error) {
	e := c.Engine
	policy, err := e.Protocols.policy()
	if err != nil {
		return clientstate.Config{}, err
	}

	cfg := clientstate.DefaultConfig()
	cfg.InitialChains = e.ClientTable.InitialChains
	cfg.LoadingLimit = e.ClientTable.LoadingLimit
	cfg.MaxChains = e.ClientTable.MaxChains
	cfg.ChainIncrement = e.ClientTable.ChainIncrement
	cfg.Delivery.MaxInflight = e.Delivery.MaxInflight
	cfg.Delivery.ReenablePercent = e.Delivery.ReenablePercent
	cfg.Delivery.FreeChunkSubscriptionThreshold = e.Delivery.FreeChunkSubscriptionThreshold
	cfg.Delivery.LargeInflightWindow = e.Delivery.LargeInflightWindow
	cfg.Protocols = policy
	cfg.InitialNodeIndices = e.Nodes.InitialIndices
	cfg.MaxNodeIndices = e.Nodes.MaxIndices
	return cfg, nil
}
