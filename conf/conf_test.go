package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
	"RpcLog": true,
	"Messaging": {"Transport": "local", "Serializer": "msgpack"},
	"Database": {"DSN": "file::memory:"},
	"Module": {
		"storage": [{"ID": "storage-1", "ProcessEnv": "dev", "Settings": {"monitoring_interval": 15, "domain_queue": "storage.domain"}}]
	}
}`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sample))
	require.NoError(t, err)

	assert.True(t, cfg.RpcLog)
	assert.Equal(t, "rpc", cfg.Messaging.Type)
	assert.Equal(t, "local", cfg.Messaging.Transport)
	assert.Equal(t, "msgpack", cfg.Messaging.Serializer)
	assert.Equal(t, 200, cfg.Messaging.QueueMaxLength)
	assert.Equal(t, 100*time.Second, cfg.Messaging.TimeLimit())
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 1, cfg.Database.MaxOpenConns)

	s := cfg.Module["storage"][0]
	assert.Equal(t, "storage.domain", s.GetString("domain_queue", ""))
	assert.Equal(t, 15*time.Second, s.GetSeconds("monitoring_interval", time.Minute))
	assert.Equal(t, time.Minute, s.GetSeconds("missing", time.Minute))

	var nilSettings *ModuleSettings
	assert.Equal(t, "x", nilSettings.GetString("k", "x"))
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig([]byte("{"))
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	require.NoError(t, LoadConfig(path))
	assert.Equal(t, "local", Conf.Messaging.Transport)
	assert.Equal(t, "storage-1", Conf.Module["storage"][0].ID)
}

func TestWatcherAppliesOnlyChanges(t *testing.T) {
	cfg, err := ParseConfig([]byte(sample))
	require.NoError(t, err)

	var changes []Config
	w := NewWatcher(nil, cfg, func(c Config) { changes = append(changes, c) }, nil)

	require.NoError(t, w.apply(cfg))
	assert.Empty(t, changes)

	changed := cfg
	changed.RpcLog = false
	require.NoError(t, w.apply(changed))
	require.Len(t, changes, 1)
	assert.False(t, changes[0].RpcLog)

	require.NoError(t, w.apply(changed))
	assert.Len(t, changes, 1)
}
