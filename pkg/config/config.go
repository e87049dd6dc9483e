package config

// Package config provides a reusable loader for Strata configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"strata/core"
	"strata/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config mirrors the structure of the YAML files under config/.
type Config struct {
	Node struct {
		Root string `mapstructure:"root" json:"root"`
	} `mapstructure:"node" json:"node"`

	Index struct {
		PartitionCapacity      int           `mapstructure:"partition_capacity" json:"partition_capacity"`
		ActivePartitionTimeout time.Duration `mapstructure:"active_partition_timeout" json:"active_partition_timeout"`
		MaxInmemPartitions     int           `mapstructure:"max_inmem_partitions" json:"max_inmem_partitions"`
		TastePartitions        int           `mapstructure:"taste_partitions" json:"taste_partitions"`
		MaxConcurrentLookups   int           `mapstructure:"max_concurrent_lookups" json:"max_concurrent_lookups"`
		StoreBackend           string        `mapstructure:"store_backend" json:"store_backend"`
	} `mapstructure:"index" json:"index"`

	Import struct {
		BufferTimeout    time.Duration `mapstructure:"buffer_timeout" json:"buffer_timeout"`
		Parser           string        `mapstructure:"parser" json:"parser"`
		BatchSize        uint64        `mapstructure:"batch_size" json:"batch_size"`
		BatchTimeout     time.Duration `mapstructure:"batch_timeout" json:"batch_timeout"`
		DefaultSchema    string        `mapstructure:"default_schema" json:"default_schema"`
		SelectorField    string        `mapstructure:"selector_field" json:"selector_field"`
		SelectorPrefix   string        `mapstructure:"selector_prefix" json:"selector_prefix"`
		SchemaName       string        `mapstructure:"schema_name" json:"schema_name"`
		SchemaOnly       bool          `mapstructure:"schema_only" json:"schema_only"`
		Merge            bool          `mapstructure:"merge" json:"merge"`
		Ordered          bool          `mapstructure:"ordered" json:"ordered"`
		Raw              bool          `mapstructure:"raw" json:"raw"`
		UnnestSeparator  string        `mapstructure:"unnest_separator" json:"unnest_separator"`
		SchemaFile       string        `mapstructure:"schema_file" json:"schema_file"`
	} `mapstructure:"import" json:"import"`

	Retention struct {
		Metrics         time.Duration `mapstructure:"metrics" json:"metrics"`
		Diagnostics     time.Duration `mapstructure:"diagnostics" json:"diagnostics"`
		OperatorMetrics time.Duration `mapstructure:"operator_metrics" json:"operator_metrics"`
		Interval        time.Duration `mapstructure:"interval" json:"interval"`
	} `mapstructure:"retention" json:"retention"`

	Server struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"server" json:"server"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	idx := core.DefaultIndexOptions()
	viper.SetDefault("node.root", "data")
	viper.SetDefault("index.partition_capacity", idx.PartitionCapacity)
	viper.SetDefault("index.active_partition_timeout", idx.ActivePartitionTimeout)
	viper.SetDefault("index.max_inmem_partitions", idx.MaxInmemPartitions)
	viper.SetDefault("index.taste_partitions", idx.TastePartitions)
	viper.SetDefault("index.max_concurrent_lookups", idx.MaxConcurrentLookups)
	viper.SetDefault("index.store_backend", idx.StoreBackend)
	viper.SetDefault("import.buffer_timeout", core.DefaultImporterOptions().BufferTimeout)
	viper.SetDefault("import.parser", "best-effort")
	msb := core.DefaultMSBSettings()
	viper.SetDefault("import.batch_size", msb.DesiredBatchSize)
	viper.SetDefault("import.batch_timeout", msb.Timeout)
	viper.SetDefault("import.default_schema", msb.DefaultSchemaName)
	viper.SetDefault("import.unnest_separator", msb.UnnestSeparator)
	ret := core.DefaultRetentionPolicy()
	viper.SetDefault("retention.metrics", ret.Metrics)
	viper.SetDefault("retention.diagnostics", ret.Diagnostics)
	viper.SetDefault("retention.operator_metrics", ret.OperatorMetrics)
	viper.SetDefault("retention.interval", 10*time.Minute)
	viper.SetDefault("server.listen_addr", ":8428")
	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()
	setDefaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		// A missing default file falls back to built-in defaults.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}
	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}
	viper.SetEnvPrefix("STRATA")
	viper.AutomaticEnv()
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the STRATA_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("STRATA_ENV", ""))
}

// NodeConfig translates the loaded configuration into the engine's config.
// A configured schema file loads here so the caller sees its errors before
// the node starts.
func (c *Config) NodeConfig() (core.NodeConfig, error) {
	cfg := core.NodeConfig{
		Root: c.Node.Root,
		Index: core.IndexOptions{
			PartitionCapacity:      c.Index.PartitionCapacity,
			ActivePartitionTimeout: c.Index.ActivePartitionTimeout,
			MaxInmemPartitions:     c.Index.MaxInmemPartitions,
			TastePartitions:        c.Index.TastePartitions,
			MaxConcurrentLookups:   c.Index.MaxConcurrentLookups,
			StoreBackend:           c.Index.StoreBackend,
		},
		Importer: core.ImporterOptions{
			BufferTimeout: c.Import.BufferTimeout,
		},
		Retention: core.RetentionPolicy{
			Metrics:         c.Retention.Metrics,
			Diagnostics:     c.Retention.Diagnostics,
			OperatorMetrics: c.Retention.OperatorMetrics,
		},
		RetentionInterval: c.Retention.Interval,
		Builder: core.MSBSettings{
			Ordered:           c.Import.Ordered,
			Merge:             c.Import.Merge,
			SchemaOnly:        c.Import.SchemaOnly,
			Raw:               c.Import.Raw,
			UnnestSeparator:   c.Import.UnnestSeparator,
			DesiredBatchSize:  c.Import.BatchSize,
			Timeout:           c.Import.BatchTimeout,
			DefaultSchemaName: c.Import.DefaultSchema,
		},
		Parser: c.Import.Parser,
	}
	if c.Import.SchemaFile != "" {
		schemas, err := LoadSchemas(c.Import.SchemaFile)
		if err != nil {
			return core.NodeConfig{}, err
		}
		cfg.Schemas = schemas
	}
	switch {
	case c.Import.SelectorField != "":
		cfg.Policy = core.PolicySelector{
			FieldName:    c.Import.SelectorField,
			NamingPrefix: c.Import.SelectorPrefix,
		}
	case c.Import.SchemaName != "":
		cfg.Policy = core.PolicySchema{Name: c.Import.SchemaName}
	default:
		cfg.Policy = core.PolicyDefault{}
	}
	return cfg, nil
}
