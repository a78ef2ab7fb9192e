package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellumlab/vellum/pkg/errdefs"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "data", cfg.DataRoot)
	assert.Equal(t, 90*time.Second, cfg.LockTTL.Std())
	assert.Equal(t, 60*time.Second, cfg.RemoteLockTTL.Std())
	assert.Equal(t, 300*time.Second, cfg.RemoteLockTimeout.Std())
	assert.NotEmpty(t, cfg.Import.GoldPolicies)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataRoot)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root: /srv/vellum
lock_ttl: 2m
webdav:
  enabled: true
  base_url: https://dav.example.org
  username: editor
  password: secret
  remote_root: /shared
import:
  gold_policies: [filename-regex, gold-dir]
  gold_regex: '\.gold\.'
  gold_dir: gold
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/vellum", cfg.DataRoot)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL.Std())
	assert.True(t, cfg.WebDAV.Enabled)
	assert.Equal(t, "https://dav.example.org", cfg.WebDAV.BaseURL)
	assert.Equal(t, []GoldPolicy{GoldPolicyFilenameRegex, GoldPolicyGoldDir}, cfg.Import.GoldPolicies)

	assert.Equal(t, filepath.Join("/srv/vellum", "db", "metadata.db"), cfg.MetadataDB())
	assert.Equal(t, filepath.Join("/srv/vellum", "files"), cfg.FilesDir())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.DataRoot = ""
	assert.True(t, errdefs.IsInvalidArgument(cfg.Validate()))

	cfg = Default()
	cfg.WebDAV.Enabled = true
	assert.True(t, errdefs.IsInvalidArgument(cfg.Validate()))

	cfg = Default()
	cfg.Import.GoldPolicies = []GoldPolicy{"guesswork"}
	assert.True(t, errdefs.IsInvalidArgument(cfg.Validate()))
}
