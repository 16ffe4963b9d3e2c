// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the geometry, pool sizes, and simulated
// workload for the btrfs-delalloc tool from a config file and
// BTRFS_DELALLOC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/delallocsim"
)

const envPrefix = "BTRFS_DELALLOC"

type Config struct {
	Geometry GeometryConfig `mapstructure:"geometry"`
	Space    SpaceConfig    `mapstructure:"space"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Workload WorkloadConfig `mapstructure:"workload"`
}

type GeometryConfig struct {
	SectorSize    ByteSize `mapstructure:"sector_size" validate:"pow2,gte=512,lte=65536"`
	NodeSize      ByteSize `mapstructure:"node_size" validate:"pow2,gtefield=SectorSize,lte=65536"`
	MaxExtentSize ByteSize `mapstructure:"max_extent_size" validate:"gtefield=SectorSize"`
	ChecksumType  string   `mapstructure:"checksum_type" validate:"oneof=crc32c xxhash64 sha256 blake2"`
}

type SpaceConfig struct {
	Data     ByteSize `mapstructure:"data" validate:"gt=0"`
	Metadata ByteSize `mapstructure:"metadata" validate:"gt=0"`
	// Emergency is headroom that only the free-space cache may
	// use.
	Emergency ByteSize `mapstructure:"emergency"`
}

type QuotaConfig struct {
	// Limit of 0 disables the limit.
	Limit ByteSize `mapstructure:"limit"`
}

type WorkloadConfig struct {
	Workers           int      `mapstructure:"workers" validate:"gte=1"`
	Files             int      `mapstructure:"files" validate:"gte=1"`
	WritesPerWorker   int      `mapstructure:"writes_per_worker" validate:"gte=0"`
	MaxWriteSize      ByteSize `mapstructure:"max_write_size" validate:"gt=0"`
	AbortRate         float64  `mapstructure:"abort_rate" validate:"gte=0,lte=1"`
	DeleteRate        float64  `mapstructure:"delete_rate" validate:"gte=0,lte=1"`
	InTransactionRate float64  `mapstructure:"in_transaction_rate" validate:"gte=0,lte=1"`
	Seed              int64    `mapstructure:"seed"`
}

// ByteSize is a byte count that may be written in a config file
// either as a plain number or in human form ("128MiB", "1 GB").
type ByteSize uint64

func ParseByteSize(str string) (ByteSize, error) {
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

var byteSizeType = reflect.TypeOf(ByteSize(0))

// stringToByteSizeHookFunc lets ByteSize fields be given as strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != byteSizeType {
			return data, nil
		}
		return ParseByteSize(data.(string))
	}
}

// Default returns the configuration used for anything that is not
// set.
func Default() *Config {
	geom := btrfsgeom.DefaultGeometry()
	return &Config{
		Geometry: GeometryConfig{
			SectorSize:    ByteSize(geom.SectorSize),
			NodeSize:      ByteSize(geom.NodeSize),
			MaxExtentSize: ByteSize(geom.MaxExtentSize),
			ChecksumType:  geom.ChecksumType.String(),
		},
		Space: SpaceConfig{
			Data:     1 << 30,
			Metadata: 256 << 20,
		},
		Workload: WorkloadConfig{
			Workers:           4,
			Files:             4,
			WritesPerWorker:   1000,
			MaxWriteSize:      1 << 20,
			AbortRate:         0.1,
			DeleteRate:        0.5,
			InTransactionRate: 0.2,
			Seed:              1,
		},
	}
}

// Load reads configuration from configPath (or, if that is empty, from
// config.yaml in the user config directory, if it exists) and from
// the environment, then fills in defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(stringToByteSizeHookFunc())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// BTRFS_DELALLOC_SPACE_DATA=2GiB sets space.data.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to find it when
	// unmarshaling.
	def := Default()
	v.SetDefault("geometry.sector_size", uint64(def.Geometry.SectorSize))
	v.SetDefault("geometry.node_size", uint64(def.Geometry.NodeSize))
	v.SetDefault("geometry.max_extent_size", uint64(def.Geometry.MaxExtentSize))
	v.SetDefault("geometry.checksum_type", def.Geometry.ChecksumType)
	v.SetDefault("space.data", uint64(def.Space.Data))
	v.SetDefault("space.metadata", uint64(def.Space.Metadata))
	v.SetDefault("space.emergency", uint64(def.Space.Emergency))
	v.SetDefault("quota.limit", uint64(def.Quota.Limit))
	v.SetDefault("workload.workers", def.Workload.Workers)
	v.SetDefault("workload.files", def.Workload.Files)
	v.SetDefault("workload.writes_per_worker", def.Workload.WritesPerWorker)
	v.SetDefault("workload.max_write_size", uint64(def.Workload.MaxWriteSize))
	v.SetDefault("workload.abort_rate", def.Workload.AbortRate)
	v.SetDefault("workload.delete_rate", def.Workload.DeleteRate)
	v.SetDefault("workload.in_transaction_rate", def.Workload.InTransactionRate)
	v.SetDefault("workload.seed", def.Workload.Seed)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "btrfs-delalloc")
	}
	return "."
}

// ApplyDefaults fills in zero-valued sizes and counts.  Rates are left
// alone, since 0 is a meaningful rate.
func ApplyDefaults(cfg *Config) {
	def := Default()
	setDefault(&cfg.Geometry.SectorSize, def.Geometry.SectorSize)
	setDefault(&cfg.Geometry.NodeSize, def.Geometry.NodeSize)
	setDefault(&cfg.Geometry.MaxExtentSize, def.Geometry.MaxExtentSize)
	setDefault(&cfg.Geometry.ChecksumType, def.Geometry.ChecksumType)
	cfg.Geometry.ChecksumType = strings.ToLower(cfg.Geometry.ChecksumType)
	setDefault(&cfg.Space.Data, def.Space.Data)
	setDefault(&cfg.Space.Metadata, def.Space.Metadata)
	setDefault(&cfg.Workload.Workers, def.Workload.Workers)
	setDefault(&cfg.Workload.Files, def.Workload.Files)
	setDefault(&cfg.Workload.MaxWriteSize, def.Workload.MaxWriteSize)
}

func setDefault[T comparable](ptr *T, def T) {
	var zero T
	if *ptr == zero {
		*ptr = def
	}
}

// ToGeometry returns the filesystem geometry described by cfg, which
// must already have been validated.
func (cfg *Config) ToGeometry() (btrfsgeom.Geometry, error) {
	csumType, err := btrfsgeom.ParseCSumType(cfg.Geometry.ChecksumType)
	if err != nil {
		return btrfsgeom.Geometry{}, err
	}
	geom := btrfsgeom.Geometry{
		SectorSize:    uint32(cfg.Geometry.SectorSize),
		NodeSize:      uint32(cfg.Geometry.NodeSize),
		MaxExtentSize: uint64(cfg.Geometry.MaxExtentSize),
		ChecksumType:  csumType,
	}
	if err := geom.Validate(); err != nil {
		return btrfsgeom.Geometry{}, err
	}
	return geom, nil
}

// ToWorkload returns the simulated workload described by cfg.
func (cfg *Config) ToWorkload() (delallocsim.Workload, error) {
	geom, err := cfg.ToGeometry()
	if err != nil {
		return delallocsim.Workload{}, err
	}
	return delallocsim.Workload{
		Geometry:          geom,
		DataBytes:         uint64(cfg.Space.Data),
		MetadataBytes:     uint64(cfg.Space.Metadata),
		EmergencyBytes:    uint64(cfg.Space.Emergency),
		QuotaLimit:        uint64(cfg.Quota.Limit),
		Workers:           cfg.Workload.Workers,
		Files:             cfg.Workload.Files,
		WritesPerWorker:   cfg.Workload.WritesPerWorker,
		MaxWriteSize:      uint64(cfg.Workload.MaxWriteSize),
		AbortRate:         cfg.Workload.AbortRate,
		DeleteRate:        cfg.Workload.DeleteRate,
		InTransactionRate: cfg.Workload.InTransactionRate,
		Seed:              cfg.Workload.Seed,
	}, nil
}
