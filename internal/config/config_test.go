package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LAYERS_FILE", "")
	t.Setenv("READ_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, 10000, cfg.Cache.MaxTiles)
	require.Equal(t, 100000, cfg.Cache.MaxQueued)
	require.Equal(t, 250*time.Millisecond, cfg.Cache.RetryInterval)
	require.Equal(t, 3, cfg.Cache.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Cache.ReadTimeout)
	require.Empty(t, cfg.Layers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("READ_TIMEOUT", "5s")
	t.Setenv("FETCH_BATCH_SIZE", "not a number")
	t.Setenv("STORE_READS_PER_SECOND", "12.5")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("LAYERS_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 5*time.Second, cfg.Cache.ReadTimeout)
	require.Equal(t, 1024, cfg.Cache.BatchSize)
	require.Equal(t, 12.5, cfg.Cache.ReadsPerSecond)
	require.Equal(t, "console", cfg.LogFormat)
}

func TestLoadLayersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
layers:
  - id: roads
    type: file
    codec: zstd
    content_type: application/vnd.mapbox-vector-tile
    extension: mvt
    warmup_levels: 3
    file:
      root: /srv/tiles
  - id: heat
    type: minio
    minio:
      endpoint: minio:9000
      bucket: tiles
      access_key: admin
      secret_key: ${TILE_SECRET}
  - id: census
    type: remote
    remote:
      base_url: http://tiles.internal
      timeout: 3s
      retry_max: 2
`), 0644))
	t.Setenv("LAYERS_FILE", path)
	t.Setenv("TILE_SECRET", "s3cr3t")
	t.Setenv("PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Layers, 3)

	roads := cfg.Layers[0]
	require.Equal(t, "zstd", roads.Codec)
	require.Equal(t, "/srv/tiles", roads.File.Root)
	require.Equal(t, 3, roads.Warmup(1))

	require.Equal(t, "s3cr3t", cfg.Layers[1].Minio.SecretKey)
	require.Equal(t, 1, cfg.Layers[1].Warmup(1))

	require.Equal(t, 3*time.Second, cfg.Layers[2].Remote.Timeout)
	require.Equal(t, 2, cfg.Layers[2].Remote.RetryMax)
}

func TestLoadMissingLayersFile(t *testing.T) {
	t.Setenv("LAYERS_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	require.ErrorContains(t, err, "failed to read layers file")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Port:      0,
		LogFormat: "xml",
		Cache: CacheConfig{
			MaxTiles:         0,
			RetryInterval:    time.Second,
			MaxAttempts:      1,
			RangeConcurrency: 1,
		},
		Layers: []Layer{
			{ID: "a", Type: StoreFile},
			{ID: "a", Type: StoreNoop},
			{ID: "b", Type: "ftp", Codec: "brotli"},
			{ID: "c", Type: StoreDynamo, Dynamo: DynamoLayer{Table: "tiles"}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)

	// port, log format, max tiles, a: file.root, duplicate a, b: codec, b: type
	require.Len(t, multierr.Errors(err), 7)
	require.ErrorContains(t, err, `layer "a": file.root is required`)
	require.ErrorContains(t, err, `duplicate id "a"`)
	require.ErrorContains(t, err, `unknown type "ftp"`)
}

func TestParseLayersRejectsBadYAML(t *testing.T) {
	_, err := ParseLayers([]byte("layers: [id: {"))
	require.Error(t, err)
}
