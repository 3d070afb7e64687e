package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"tileview/internal/codec"
)

// Store types a layer can be backed by.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreNoop     = "noop"
	StoreDisabled = "disabled"
	StoreMinio    = "minio"
	StoreDynamo   = "dynamodb"
	StoreRemote   = "remote"
)

// Layer is one entry of the layers file.
type Layer struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Codec       string `yaml:"codec"`
	ContentType string `yaml:"content_type"`
	Extension   string `yaml:"extension"`
	// WarmupLevels overrides WARMUP_LEVELS for this layer when set.
	WarmupLevels *int `yaml:"warmup_levels"`

	File   FileLayer   `yaml:"file"`
	Minio  MinioLayer  `yaml:"minio"`
	Dynamo DynamoLayer `yaml:"dynamodb"`
	Remote RemoteLayer `yaml:"remote"`
}

type FileLayer struct {
	Root string `yaml:"root"`
}

type MinioLayer struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type DynamoLayer struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type RemoteLayer struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

type layersFile struct {
	Layers []Layer `yaml:"layers"`
}

// LoadLayers reads a layers file. Secrets may be given as ${VAR} and are
// expanded from the environment.
func LoadLayers(path string) ([]Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layers file: %w", err)
	}
	return ParseLayers(data)
}

func ParseLayers(data []byte) ([]Layer, error) {
	var f layersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse layers file: %w", err)
	}
	return f.Layers, nil
}

// Validate checks the settings the layer's store type needs.
func (l Layer) Validate() error {
	if l.ID == "" {
		return errors.New("layer without id")
	}
	var err error
	fail := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf("layer %q: "+format, append([]any{l.ID}, args...)...))
	}

	if _, cerr := codec.ByName(l.Codec); cerr != nil {
		fail("%v", cerr)
	}
	if l.WarmupLevels != nil && *l.WarmupLevels < 0 {
		fail("warmup_levels must not be negative")
	}

	switch l.Type {
	case StoreMemory, StoreNoop, StoreDisabled:
	case StoreFile:
		if l.File.Root == "" {
			fail("file.root is required")
		}
	case StoreMinio:
		if l.Minio.Endpoint == "" {
			fail("minio.endpoint is required")
		}
		if l.Minio.Bucket == "" {
			fail("minio.bucket is required")
		}
	case StoreDynamo:
		if l.Dynamo.Table == "" {
			fail("dynamodb.table is required")
		}
	case StoreRemote:
		if l.Remote.BaseURL == "" {
			fail("remote.base_url is required")
		}
	default:
		fail("unknown type %q (supported: memory, file, noop, minio, dynamodb, remote)", l.Type)
	}
	return err
}

// Warmup returns how many levels of the layer to prefetch at startup.
func (l Layer) Warmup(fallback int) int {
	if l.WarmupLevels != nil {
		return *l.WarmupLevels
	}
	return fallback
}
