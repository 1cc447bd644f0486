package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)
	c := NewConfig(WithLogFile(""))
	require.Equal(".", c.RootDir)
	require.Equal(BackendSQLite, c.Backend)
	require.Equal(int64(5000), c.BusyTimeoutMs)
	require.Nil(c.writer)
}

func TestLoadFileThenEnv(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cryptostore.yaml")
	require.Nil(os.WriteFile(path, []byte("backend: badger\nroot_dir: /var/lib/cs\nbusy_timeout_ms: 100\n"), 0o600))
	t.Setenv("CRYPTOSTORE_BUSY_TIMEOUT_MS", "250")
	t.Setenv("CRYPTOSTORE_LOGGING_PREFIX", "cs")

	c, err := Load(path, WithLogFile(""))
	require.Nil(err)
	require.Equal(BackendBadger, c.Backend)
	require.Equal("/var/lib/cs", c.RootDir)
	require.Equal(int64(250), c.BusyTimeoutMs)
	require.Equal("cs", c.LoggingPrefix)
}

func TestLoadOptionsWin(t *testing.T) {
	require := require.New(t)
	t.Setenv("CRYPTOSTORE_BACKEND", "badger")
	c, err := Load("", WithBackend(BackendMemory), WithLogFile(""))
	require.Nil(err)
	require.Equal(BackendMemory, c.Backend)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	require := require.New(t)
	t.Setenv("CRYPTOSTORE_BACKEND", "postgres")
	_, err := Load("")
	require.NotNil(err)
}

func TestLoggerTeesIntoExtraCore(t *testing.T) {
	require := require.New(t)
	core, logs := observer.New(zap.InfoLevel)
	c := NewConfig(WithLogFile(""), WithLoggingPrefix("cs"), WithLogCore(core))
	c.Logger("memory").Warnf("stubbed %s", "op")
	require.Equal(1, logs.Len())
	entry := logs.All()[0]
	require.Equal("stubbed op", entry.Message)
	require.Equal("cs:memory", entry.ContextMap()["source"])
}
