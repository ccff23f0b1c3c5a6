// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config reads bk's YAML configuration file and turns it into
// the options used by the catalog, storage backend and engine.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/chunk"
	"github.com/mmp/bkpack/engine"
	"github.com/mmp/bkpack/storage"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Environment variables that override the configuration file.
const (
	EnvPassphrase = "BK_PASSPHRASE"
	EnvDir        = "BK_DIR"
	EnvCatalog    = "BK_CATALOG"
)

// Size is a byte count that can be given in the configuration file
// either as a number or as a string like "64MiB" or "100 kB".
type Size int64

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := humanize.ParseBytes(str)
	if err != nil {
		return errors.Wrapf(err, "%q", str)
	}
	*s = Size(v)
	return nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

type Backend struct {
	// Type is the name of a registered storage backend: "file", "gcs"
	// or "memory".
	Type string `yaml:"type"`
	Path string `yaml:"path"`

	Bucket       string `yaml:"bucket"`
	Project      string `yaml:"project"`
	Location     string `yaml:"location"`
	Prefix       string `yaml:"prefix"`
	StorageClass string `yaml:"storage_class"`

	// Bandwidth limits in bytes per second; zero means unlimited.
	MaxUpload   Size `yaml:"max_upload"`
	MaxDownload Size `yaml:"max_download"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type Encryption struct {
	// Algorithm is "none", "aes-256-gcm" or "xchacha20-poly1305".
	Algorithm string `yaml:"algorithm"`
	// Passphrase unlocks the encryption key. It's better supplied through
	// the BK_PASSPHRASE environment variable than stored here.
	Passphrase string `yaml:"passphrase"`
}

type Config struct {
	// Catalog is the directory holding the catalog database.
	Catalog string  `yaml:"catalog"`
	Backend Backend `yaml:"backend"`
	Retry   Retry   `yaml:"retry"`

	// Chunking is "fixed", "rolling" or "rabin".
	Chunking  string `yaml:"chunking"`
	BlockSize Size   `yaml:"block_size"`
	RabinPoly uint64 `yaml:"rabin_poly"`

	VolumeSize  Size       `yaml:"volume_size"`
	Compression string     `yaml:"compression"`
	Encryption  Encryption `yaml:"encryption"`

	Hashers          int     `yaml:"hashers"`
	MaxUploads       int     `yaml:"max_uploads"`
	MaxDownloads     int     `yaml:"max_downloads"`
	ParityShards     int     `yaml:"parity_shards"`
	VerifyUploads    bool    `yaml:"verify_uploads"`
	RestoreBatch     Size    `yaml:"restore_batch"`
	CompactThreshold float64 `yaml:"compact_threshold"`

	// Excludes are added to the excludes given for each backup.
	Excludes []string `yaml:"excludes"`
}

// Default returns the configuration used for anything the file doesn't
// specify.
func Default() Config {
	c := Config{
		Backend:          Backend{Type: "file"},
		Retry:            Retry{MaxAttempts: storage.DefaultRetryPolicy.MaxAttempts, Backoff: storage.DefaultRetryPolicy.Backoff},
		Chunking:         chunk.Fixed,
		BlockSize:        chunk.DefaultBlockSize,
		VolumeSize:       volume.DefaultTargetSize,
		Compression:      volume.Gzip,
		Encryption:       Encryption{Algorithm: volume.AES256GCM},
		CompactThreshold: engine.DefaultCompactThreshold,
	}
	if home, err := os.UserHomeDir(); err == nil {
		c.Catalog = filepath.Join(home, ".bkpack", "catalog")
	}
	return c
}

// Load reads the configuration file at path, if it's non-empty, applies
// the environment overrides and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		c := Default()
		return c, c.finish()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &storage.FatalConfigError{Msg: path, Err: err}
	}
	c, err := Parse(b)
	if err != nil {
		return c, &storage.FatalConfigError{Msg: path, Err: err}
	}
	return c, c.finish()
}

// Parse decodes YAML configuration on top of the defaults. Unknown keys
// are an error.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) finish() error {
	if p := os.Getenv(EnvPassphrase); p != "" {
		c.Encryption.Passphrase = p
	}
	if d := os.Getenv(EnvDir); d != "" {
		c.Backend.Type, c.Backend.Path = "file", d
	}
	if p := os.Getenv(EnvCatalog); p != "" {
		c.Catalog = p
	}
	return c.Validate()
}

// Validate checks the configuration for problems that can be found
// without opening anything; they're reported as
// *storage.FatalConfigError.
func (c *Config) Validate() error {
	if c.Catalog == "" {
		return storage.ConfigErrorf("catalog path must be specified")
	}
	if c.Backend.Type == "" {
		return storage.ConfigErrorf("backend type must be specified (one of %s)",
			strings.Join(storage.Names(), ", "))
	}
	chunking := chunk.Config{Mode: c.Chunking, BlockSize: int(c.BlockSize), Poly: c.RabinPoly}
	if err := chunking.Validate(); err != nil {
		return err
	}
	vopts := volume.Options{Algorithm: c.Encryption.Algorithm, Compression: c.Compression,
		Key: make([]byte, volume.KeySize), TargetSize: int(c.VolumeSize)}
	if err := vopts.Validate(); err != nil {
		return err
	}
	if c.Encrypted() && c.Encryption.Passphrase == "" {
		return storage.ConfigErrorf("%s: passphrase must be given in the %s environment variable",
			c.Encryption.Algorithm, EnvPassphrase)
	}
	if c.CompactThreshold < 0 || c.CompactThreshold > 1 {
		return storage.ConfigErrorf("compact threshold %g: must be between 0 and 1",
			c.CompactThreshold)
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.Backoff < 0 {
		return storage.ConfigErrorf("invalid retry policy %+v", c.Retry)
	}
	return nil
}

// Encrypted reports whether volumes are to be encrypted.
func (c *Config) Encrypted() bool {
	return c.Encryption.Algorithm != "" && c.Encryption.Algorithm != volume.Unencrypted
}

func (c *Config) CatalogOptions() catalog.Options {
	return catalog.Options{Path: c.Catalog}
}

func (c *Config) StorageOptions() storage.Options {
	b := c.Backend
	return storage.Options{
		Path:                      b.Path,
		Bucket:                    b.Bucket,
		Project:                   b.Project,
		Location:                  b.Location,
		Prefix:                    b.Prefix,
		StorageClass:              b.StorageClass,
		MaxUploadBytesPerSecond:   int(b.MaxUpload),
		MaxDownloadBytesPerSecond: int(b.MaxDownload),
		Retry:                     storage.RetryPolicy{MaxAttempts: c.Retry.MaxAttempts, Backoff: c.Retry.Backoff},
	}
}

// EngineOptions returns the engine options, using the given key for
// volume encryption; it's ignored if volumes aren't encrypted.
func (c *Config) EngineOptions(key []byte) engine.Options {
	if !c.Encrypted() {
		key = nil
	}
	return engine.Options{
		Chunking: chunk.Config{Mode: c.Chunking, BlockSize: int(c.BlockSize), Poly: c.RabinPoly},
		Volume: volume.Options{
			Algorithm:   c.Encryption.Algorithm,
			Compression: c.Compression,
			Key:         key,
			TargetSize:  int(c.VolumeSize),
		},
		Hashers:           c.Hashers,
		MaxUploads:        c.MaxUploads,
		MaxDownloads:      c.MaxDownloads,
		ParityShards:      c.ParityShards,
		VerifyUploads:     c.VerifyUploads,
		RestoreBatchBytes: int64(c.RestoreBatch),
	}
}
