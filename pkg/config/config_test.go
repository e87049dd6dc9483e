package config

import (
	"testing"

	"strata/core"
)

// TestLoadDefaults loads built-in defaults without any config file and
// translates them into a node config.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	nodeCfg, err := cfg.NodeConfig()
	if err != nil {
		t.Fatalf("node config: %v", err)
	}
	if nodeCfg.Root == "" {
		t.Fatal("default root missing")
	}
	def := core.DefaultIndexOptions()
	if nodeCfg.Index.PartitionCapacity != def.PartitionCapacity {
		t.Fatalf("partition capacity = %d, want %d",
			nodeCfg.Index.PartitionCapacity, def.PartitionCapacity)
	}
	if nodeCfg.Index.MaxConcurrentLookups != def.MaxConcurrentLookups {
		t.Fatalf("max concurrent lookups = %d, want %d",
			nodeCfg.Index.MaxConcurrentLookups, def.MaxConcurrentLookups)
	}
	if _, ok := nodeCfg.Policy.(core.PolicyDefault); !ok {
		t.Fatalf("default policy = %T", nodeCfg.Policy)
	}
	ret := core.DefaultRetentionPolicy()
	if nodeCfg.Retention.Metrics != ret.Metrics {
		t.Fatalf("metrics retention = %s, want %s", nodeCfg.Retention.Metrics, ret.Metrics)
	}
}

// TestSelectorPolicyFromConfig picks the selector policy when a selector
// field is configured.
func TestSelectorPolicyFromConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Import.SelectorField = "event_type"
	cfg.Import.SelectorPrefix = "app"
	nodeCfg, err := cfg.NodeConfig()
	if err != nil {
		t.Fatalf("node config: %v", err)
	}
	sel, ok := nodeCfg.Policy.(core.PolicySelector)
	if !ok {
		t.Fatalf("policy = %T, want selector", nodeCfg.Policy)
	}
	if sel.FieldName != "event_type" || sel.NamingPrefix != "app" {
		t.Fatalf("selector policy = %+v", sel)
	}
}
