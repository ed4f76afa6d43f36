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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-engine/pkg/clientstate"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "emqx-engine-node", cfg.Engine.NodeID)
	assert.Equal(t, ":8082", cfg.Engine.MetricsPort)
	assert.Equal(t, BackendMemory, cfg.Engine.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval())
	require.NoError(t, validateConfig(cfg))

	// The defaults match the engine's own.
	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, clientstate.DefaultConfig(), engineCfg)
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
engine:
  node_id: test-node
  metrics_port: ":9100"
  store:
    backend: leveldb
    path: /var/lib/emqx-engine
    generation_limit: 3
  delivery:
    max_inflight: 32
  expiry:
    reaper_interval: 1m
  protocols:
    priority: [jms]
    yielding: []
    aliases:
    - [mqtt, plugin, http]
`
	tmpFile := createTempFile(t, "engine.yaml", yamlContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.Engine.NodeID)
	assert.Equal(t, ":9100", cfg.Engine.MetricsPort)
	assert.Equal(t, BackendLevelDB, cfg.Engine.Store.Backend)
	assert.Equal(t, "/var/lib/emqx-engine", cfg.Engine.Store.Path)
	assert.Equal(t, 3, cfg.Engine.Store.GenerationLimit)
	assert.Equal(t, time.Minute, cfg.ReaperInterval())

	// Sections absent from the file keep their defaults.
	assert.Equal(t, clientstate.DefaultInitialChains, cfg.Engine.ClientTable.InitialChains)
	assert.Equal(t, uint32(70), cfg.Engine.Delivery.ReenablePercent)

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, uint32(32), engineCfg.Delivery.MaxInflight)
	assert.True(t, engineCfg.Protocols.Priority[clientstate.ProtocolJMS])
	assert.False(t, engineCfg.Protocols.Priority[clientstate.ProtocolEngine])
	assert.Empty(t, engineCfg.Protocols.Yielding)
	assert.Equal(t, [][]clientstate.Protocol{
		{clientstate.ProtocolMQTT, clientstate.ProtocolPlugin, clientstate.ProtocolHTTP},
	}, engineCfg.Protocols.Aliases)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "engine": {
    "node_id": "json-node",
    "store": {
      "backend": "postgres",
      "postgres": {
        "dsn": "postgres://engine@localhost/engine?sslmode=disable",
        "max_open_conns": 8,
        "conn_max_lifetime": "5m",
        "health_timeout": "2s"
      }
    },
    "client_table": {
      "initial_chains": 16,
      "loading_limit": 4,
      "max_chains": 1024,
      "chain_increment": 2
    }
  }
}`
	tmpFile := createTempFile(t, "engine.json", jsonContent)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "json-node", cfg.Engine.NodeID)

	pg := cfg.PostgresStoreConfig()
	assert.Equal(t, "postgres://engine@localhost/engine?sslmode=disable", pg.DSN)
	assert.Equal(t, 8, pg.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, pg.ConnMaxLifetime)
	assert.Equal(t, 2*time.Second, pg.HealthTimeout)

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 16, engineCfg.InitialChains)
	assert.Equal(t, 4, engineCfg.LoadingLimit)
	assert.Equal(t, 1024, engineCfg.MaxChains)
	assert.Equal(t, 2, engineCfg.ChainIncrement)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	cfg, err := LoadConfig("")
	assert.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "emqx-engine-node", cfg.Engine.NodeID)
}

func TestLoadConfigInvalid(t *testing.T) {
	invalidYAML := `
engine:
  node_id: test
  protocols: [unclosed array
`
	tmpFile := createTempFile(t, "invalid.yaml", invalidYAML)

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty node id", func(c *Config) { c.Engine.NodeID = "" }, "node_id"},
		{"unknown backend", func(c *Config) { c.Engine.Store.Backend = "redis" }, "unsupported store backend"},
		{"leveldb without path", func(c *Config) { c.Engine.Store.Backend = BackendLevelDB }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.Engine.Store.Backend = BackendPostgres }, "store.postgres.dsn"},
		{"negative generation limit", func(c *Config) { c.Engine.Store.GenerationLimit = -1 }, "generation_limit"},
		{"bad reaper interval", func(c *Config) { c.Engine.Expiry.ReaperInterval = "soon" }, "expiry.reaper_interval"},
		{"negative reaper interval", func(c *Config) { c.Engine.Expiry.ReaperInterval = "-1s" }, "expiry.reaper_interval"},
		{"zero chains", func(c *Config) { c.Engine.ClientTable.InitialChains = 0 }, "client_table"},
		{"max below initial", func(c *Config) { c.Engine.ClientTable.MaxChains = 1 }, "max_chains"},
		{"inflight too large", func(c *Config) { c.Engine.Delivery.MaxInflight = 70000 }, "max_inflight"},
		{"reenable above 100", func(c *Config) { c.Engine.Delivery.ReenablePercent = 101 }, "reenable_percent"},
		{"max indices below initial", func(c *Config) { c.Engine.Nodes.MaxIndices = 1 }, "nodes"},
		{"unknown protocol", func(c *Config) { c.Engine.Protocols.Priority = []string{"amqp"} }, "protocols.priority"},
		{"unknown alias", func(c *Config) { c.Engine.Protocols.Aliases = [][]string{{"mqtt", "stomp"}} }, "protocols.aliases[0]"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	t.Run("empty reaper interval disables reaper", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine.Expiry.ReaperInterval = ""
		require.NoError(t, validateConfig(cfg))
		assert.Zero(t, cfg.ReaperInterval())
	})
}

func TestSaveConfigYAML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.NodeID = "save-test-node"
	cfg.Engine.Protocols.Priority = []string{"jms", "engine"}

	tmpFile := filepath.Join(t.TempDir(), "save_test.yaml")

	err := SaveConfig(cfg, tmpFile)
	require.NoError(t, err)

	_, err = os.Stat(tmpFile)
	assert.NoError(t, err)

	loadedCfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, cfg, loadedCfg)
}

func TestSaveConfigJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.NodeID = "save-test-json-node"
	cfg.Engine.Store.Backend = BackendLevelDB
	cfg.Engine.Store.Path = "/tmp/engine"

	tmpFile := filepath.Join(t.TempDir(), "save_test.json")

	err := SaveConfig(cfg, tmpFile)
	require.NoError(t, err)

	loadedCfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, cfg, loadedCfg)
}

func TestGetFileFormat(t *testing.T) {
	testCases := []struct {
		filename string
		expected string
	}{
		{"config.yaml", "yaml"},
		{"config.yml", "yaml"},
		{"config.json", "json"},
		{"config.txt", "unsupported"},
		{"config", "unsupported"},
		{".yaml", "yaml"},
		{".json", "json"},
	}

	for _, tc := range testCases {
		t.Run(tc.filename, func(t *testing.T) {
			cfg := DefaultConfig()
			tmpFile := filepath.Join(t.TempDir(), tc.filename)

			err := SaveConfig(cfg, tmpFile)

			if tc.expected == "unsupported" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported config file format")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Helper functions
func createTempFile(t *testing.T, filename, content string) string {
	tmpFile := filepath.Join(t.TempDir(), filename)
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)
	return tmpFile
}
