// Package config defines the fabric's configuration tree and a YAML
// loader with fsnotify-driven hot reload, grounded on
// original_source/cloud_drive/config.py's dataclass layout.
package config

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ReplicaPolicy mirrors ReplicaPolicyConfig.
type ReplicaPolicy struct {
	HotReplicas           int   `yaml:"hot_replicas"`
	ColdReplicas          int   `yaml:"cold_replicas"`
	MinUniqueZones        int   `yaml:"min_unique_zones"`
	SpilloverThresholdBytes int64 `yaml:"spillover_threshold_bytes"`
}

// LifecyclePolicy mirrors LifecyclePolicyConfig.
type LifecyclePolicy struct {
	IdleDaysBeforeCold       int    `yaml:"idle_days_before_cold"`
	ColdStorageTier          string `yaml:"cold_storage_tier"`
	HotStorageTier           string `yaml:"hot_storage_tier"`
	RebalanceIntervalSeconds int    `yaml:"rebalance_interval_seconds"`
}

// DurabilityPolicy mirrors DurabilityPolicyConfig.
type DurabilityPolicy struct {
	EnableChecksums           bool    `yaml:"enable_checksums"`
	EnableScrubbing           bool    `yaml:"enable_scrubbing"`
	EnableErasureCoding       bool    `yaml:"enable_erasure_coding"`
	EvacuationStorageThreshold float64 `yaml:"evacuation_storage_threshold"`
	ErasureDataFragments      int     `yaml:"erasure_data_fragments"`
	ErasureParityFragments    int     `yaml:"erasure_parity_fragments"`
	ErasureMinObjectBytes     int64   `yaml:"erasure_min_object_bytes"`
	EncryptionAlgorithm       string  `yaml:"encryption_algorithm"`
	KMSKeyID                  string  `yaml:"kms_key_id"`
}

// StorageFabricConfig mirrors StorageFabricConfig.
type StorageFabricConfig struct {
	ControllerEndpoint  string            `yaml:"controller_endpoint"`
	DefaultChunkSize    int64             `yaml:"default_chunk_size"`
	MaxChunkSize        int64             `yaml:"max_chunk_size"`
	HotColdThresholdBytes int64           `yaml:"hot_cold_threshold_bytes"`
	ReplicaPolicy       ReplicaPolicy     `yaml:"replica_policy"`
	LifecyclePolicy     LifecyclePolicy   `yaml:"lifecycle_policy"`
	DurabilityPolicy    DurabilityPolicy  `yaml:"durability_policy"`
}

// MessageBusConfig mirrors MessageBusConfig.
type MessageBusConfig struct {
	Backend string   `yaml:"backend"`
	Topics  []string `yaml:"topics"`
}

// ObservabilityConfig mirrors ObservabilityConfig.
type ObservabilityConfig struct {
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	LogLevel        string `yaml:"log_level"`
}

// Config is the top-level CloudDriveConfig equivalent.
type Config struct {
	MessageBus    MessageBusConfig    `yaml:"message_bus"`
	Storage       StorageFabricConfig `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	FeatureFlags  map[string]bool     `yaml:"feature_flags"`
}

// Default returns CloudDriveConfig.default()'s field values.
func Default() *Config {
	return &Config{
		MessageBus: MessageBusConfig{
			Backend: "in-memory",
			Topics: []string{
				"ingest.requests", "replication.requests", "uploads.expired",
				"trash.expired", "activity.events", "quota.alert",
				"healing.events", "lifecycle.transitions",
			},
		},
		Storage: StorageFabricConfig{
			ControllerEndpoint:    "local",
			DefaultChunkSize:      8 * 1024 * 1024,
			MaxChunkSize:          32 * 1024 * 1024,
			HotColdThresholdBytes: 50 * 1024 * 1024,
			ReplicaPolicy: ReplicaPolicy{
				HotReplicas: 2, ColdReplicas: 1, MinUniqueZones: 2,
				SpilloverThresholdBytes: 50 * 1024 * 1024,
			},
			LifecyclePolicy: LifecyclePolicy{
				IdleDaysBeforeCold: 30, ColdStorageTier: "cold", HotStorageTier: "hot",
				RebalanceIntervalSeconds: 3600,
			},
			DurabilityPolicy: DurabilityPolicy{
				EnableChecksums: true, EnableScrubbing: true, EnableErasureCoding: false,
				EvacuationStorageThreshold: 0.9, ErasureDataFragments: 8, ErasureParityFragments: 4,
				ErasureMinObjectBytes: 256 * 1024 * 1024, EncryptionAlgorithm: "AES-256-GCM",
				KMSKeyID: "kms/default",
			},
		},
		Observability: ObservabilityConfig{
			MetricsEndpoint: "http://localhost:9090",
			TracingEndpoint: "http://localhost:4317",
			LogLevel:        "INFO",
		},
		FeatureFlags: make(map[string]bool),
	}
}

// Load reads and parses a YAML config file, keeping Default()'s values
// for anything the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: reading file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing yaml")
	}
	return cfg, nil
}

// Watcher hot-reloads a Config from disk on every write, handing the
// parsed result to OnReload. Parse errors are swallowed (the last good
// config keeps serving) but are available via LastError.
type Watcher struct {
	mu        sync.RWMutex
	path      string
	current   *Config
	lastError error
	watcher   *fsnotify.Watcher
	OnReload  func(*Config)
}

// NewWatcher loads path once and arms an fsnotify watch on it.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: starting fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "config: watching file")
	}
	w := &Watcher{path: path, current: cfg, watcher: fw}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			w.mu.Lock()
			if err != nil {
				w.lastError = err
			} else {
				w.current = cfg
				w.lastError = nil
			}
			onReload := w.OnReload
			w.mu.Unlock()
			if err == nil && onReload != nil {
				onReload(cfg)
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently successfully parsed Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// LastError returns the error from the most recent failed reload, if any.
func (w *Watcher) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastError
}

// Close stops watching.
func (w *Watcher) Close() error { return w.watcher.Close() }
