package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
data_dir: %s
sync_interval: 90s
fetch_workers: 8
http:
  addr: localhost:9999
directories:
  - name: personal
    type: carddav
    url: https://dav.example.com/addressbooks/alice/default/
    username: alice
    use_keyring: true
  - name: archive
    type: s3
    bucket: cards
    prefix: alice
  - name: export
    type: LocalDir
    path: %s
    watch: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()
	path := writeConfig(t, fmtConfig(tmp))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmp, "data"), cfg.DataDir)
	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, 8, cfg.FetchWorkers)
	assert.Equal(t, DefaultTimeout, cfg.RequestTimeout)
	assert.Equal(t, "localhost:9999", cfg.HTTP.Addr)
	assert.Equal(t, path, cfg.Path)

	require.Len(t, cfg.Directories, 3)
	assert.Equal(t, TypeCardDAV, cfg.Directories[0].Type)
	assert.True(t, cfg.Directories[0].UseKeyring)
	assert.Equal(t, "cards", cfg.Directories[1].Bucket)
	assert.Equal(t, TypeLocalDir, cfg.Directories[2].Type, "type is normalized")
	assert.True(t, cfg.Directories[2].Watch)

	d, err := cfg.Directory("archive")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Prefix)

	_, err = cfg.Directory("nope")
	assert.ErrorIs(t, err, ErrUnknownDirectory)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultInterval, cfg.SyncInterval)
	assert.Equal(t, DefaultFetchWorker, cfg.FetchWorkers)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	assert.Empty(t, cfg.Directories)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CARDSYNC_HTTP_TOKEN", "from-env")
	t.Setenv("CARDSYNC_FETCH_WORKERS", "2")

	cfg, err := Load(viper.New(), writeConfig(t, fmtConfig(t.TempDir())))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.HTTP.Token)
	assert.Equal(t, 2, cfg.FetchWorkers)
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CARDSYNC_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("CARDSYNC_LOG_LEVEL", "")
	os.Unsetenv("CARDSYNC_LOG_LEVEL")

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "debug", os.Getenv("CARDSYNC_LOG_LEVEL"))
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]DirectoryConfig{
		"bad name":       {Name: "../escape", Type: TypeLocalDir, Path: "/tmp"},
		"unknown type":   {Name: "x", Type: "ldap"},
		"carddav no url": {Name: "x", Type: TypeCardDAV},
		"s3 no bucket":   {Name: "x", Type: TypeS3},
		"localdir path":  {Name: "x", Type: TypeLocalDir},
	}
	for name, dir := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{DataDir: t.TempDir(), Directories: []DirectoryConfig{dir}}
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidDirectory)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		cfg := &Config{DataDir: t.TempDir(), Directories: []DirectoryConfig{
			{Name: "a", Type: TypeS3, Bucket: "b"},
			{Name: "a", Type: TypeS3, Bucket: "c"},
		}}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidDirectory)
	})

	t.Run("interval too short", func(t *testing.T) {
		cfg := &Config{DataDir: t.TempDir(), SyncInterval: time.Millisecond}
		assert.Error(t, cfg.Validate())
	})
}

func TestSave_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "config.yaml")

	cfg := &Config{
		DataDir:        tmp,
		SyncInterval:   2 * time.Minute,
		FetchWorkers:   3,
		RequestTimeout: 10 * time.Second,
		HTTP:           HTTPConfig{Addr: "localhost:1234"},
		Directories: []DirectoryConfig{
			{Name: "personal", Type: TypeCardDAV, URL: "https://dav.example.com/ab/", Username: "alice"},
		},
	}
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, cfg.SyncInterval, loaded.SyncInterval)
	assert.Equal(t, cfg.RequestTimeout, loaded.RequestTimeout)
	assert.Equal(t, cfg.FetchWorkers, loaded.FetchWorkers)
	assert.Equal(t, cfg.Directories, loaded.Directories)
}

func fmtConfig(tmp string) string {
	return fmt.Sprintf(sampleConfig, filepath.Join(tmp, "data"), filepath.Join(tmp, "export"))
}
