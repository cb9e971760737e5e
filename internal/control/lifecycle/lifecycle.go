// Package lifecycle manages hot/cold storage tiering, grounded on
// original_source/cloud_drive/services/lifecycle_service.py's
// LifecycleManager. Idle time is measured against the simulator's virtual
// clock rather than wall-clock time, so demotion sweeps stay deterministic
// across runs.
package lifecycle

import (
	"sort"
	"strings"

	"github.com/cloudfabric/fabricsim/internal/control/bus"
	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/control/replica"
	"github.com/cloudfabric/fabricsim/internal/control/telemetry"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
)

const secondsPerDay = 86400

// Manager applies the hot/cold tiering policy: the first segment (by
// offset) of a manifest stays on the hot tier, the rest demote to cold
// once a size threshold or idle period is crossed.
type Manager struct {
	net     *network.Network
	meta    *metadata.Store
	replica *replica.Manager
	bus     *bus.Bus
	tel     *telemetry.Collector
	policy  config.LifecyclePolicy

	hotColdThresholdBytes int64
	lastAccess            map[string]float64
	lastRebalanceAt       *float64
}

// New builds a Manager. replicaMgr and b may be nil: without a replica
// manager, demotion retiers segments but does not re-run placement
// policy; without a bus, transitions are only logged.
func New(net *network.Network, meta *metadata.Store, replicaMgr *replica.Manager, b *bus.Bus, tel *telemetry.Collector, policy config.LifecyclePolicy, hotColdThresholdBytes int64) *Manager {
	return &Manager{
		net: net, meta: meta, replica: replicaMgr, bus: b, tel: tel,
		policy: policy, hotColdThresholdBytes: hotColdThresholdBytes,
		lastAccess: make(map[string]float64),
	}
}

func (m *Manager) now() float64 { return m.net.Sim.Now() }

func (m *Manager) emit(eventType string, attrs map[string]string) {
	if m.tel != nil {
		m.tel.EmitEvent(eventType, attrs)
	}
}

// ApplyPostUpload records the manifest's access time, annotates segment
// zones, and demotes tail segments if the file is large enough to cross
// the hot/cold size threshold.
func (m *Manager) ApplyPostUpload(manifest *metadata.FileManifest) (*metadata.FileManifest, error) {
	m.recordAccessTime(manifest.ManifestID)
	m.annotateZones(manifest)
	if manifest.TotalSize >= m.hotColdThresholdBytes {
		demoted, _, err := m.demoteTailSegments(manifest)
		if err != nil {
			return nil, err
		}
		return demoted, nil
	}
	return manifest, nil
}

// RecordAccess refreshes a manifest's last-access time without otherwise
// changing it.
func (m *Manager) RecordAccess(manifestID string) {
	m.recordAccessTime(manifestID)
}

// EvaluateTransitions demotes every manifest that has gone idle past
// idle_days_before_cold, rate-limited by rebalance_interval_seconds. It
// returns the manifest ids it processed.
func (m *Manager) EvaluateTransitions() ([]string, error) {
	now := m.now()
	interval := float64(m.policy.RebalanceIntervalSeconds)
	if interval > 0 && m.lastRebalanceAt != nil && now-*m.lastRebalanceAt < interval {
		return nil, nil
	}
	m.lastRebalanceAt = &now

	cutoff := now - float64(m.policy.IdleDaysBeforeCold)*secondsPerDay
	manifests, err := m.meta.ListManifests()
	if err != nil {
		return nil, err
	}

	var transitioned []string
	for _, manifest := range manifests {
		if last, ok := m.lastAccess[manifest.ManifestID]; ok && last >= cutoff {
			continue
		}
		m.annotateZones(manifest)
		demoted, tiered, err := m.demoteTailSegments(manifest)
		if err != nil {
			return nil, err
		}
		if tiered {
			if err := m.meta.UpsertManifest(demoted); err != nil {
				return nil, err
			}
		}
		transitioned = append(transitioned, manifest.ManifestID)
	}

	if len(transitioned) > 0 {
		m.emit("lifecycle_transitions", map[string]string{"manifest_ids": strings.Join(transitioned, ",")})
		if m.bus != nil {
			m.bus.Publish(bus.Envelope{
				Topic:   bus.TopicLifecycleTransitions,
				Payload: map[string]any{"manifests": transitioned},
			})
		}
	}
	return transitioned, nil
}

// demoteTailSegments pins the lowest-offset segment to the hot tier and
// moves every other segment to the cold tier, returning whether any
// segment's tier actually changed. A change triggers re-enforcement of
// replica policy, since tiering can shed or add copies.
func (m *Manager) demoteTailSegments(manifest *metadata.FileManifest) (*metadata.FileManifest, bool, error) {
	hotTier := m.policy.HotStorageTier
	if hotTier == "" {
		hotTier = "hot"
	}
	coldTier := m.policy.ColdStorageTier

	ordered := append([]metadata.ManifestSegment(nil), manifest.Segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

	tiered := false
	for i := range ordered {
		target := coldTier
		if i == 0 {
			target = hotTier
		}
		if ordered[i].StorageTier != target {
			ordered[i].StorageTier = target
			tiered = true
		}
	}
	manifest.Segments = ordered

	if tiered && m.replica != nil {
		updated, err := m.replica.EnforcePolicy(manifest)
		if err != nil {
			return nil, false, err
		}
		manifest = updated
	}
	return manifest, tiered, nil
}

func (m *Manager) annotateZones(manifest *metadata.FileManifest) {
	for i := range manifest.Segments {
		seg := &manifest.Segments[i]
		if n, ok := m.net.Node(seg.NodeID); ok && n.Zone != "" {
			seg.Zone = n.Zone
		}
	}
}

func (m *Manager) recordAccessTime(manifestID string) {
	m.lastAccess[manifestID] = m.now()
}
