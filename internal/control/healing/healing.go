// Package healing runs background reconciliation, checksum scrubbing,
// node evacuation, and orphan garbage collection, grounded on
// original_source/cloud_drive/services/healing_service.py's
// HealingService.
package healing

import (
	"strconv"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/cloudfabric/fabricsim/internal/control/bus"
	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/lifecycle"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/control/replica"
	"github.com/cloudfabric/fabricsim/internal/control/telemetry"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
)

// DurabilityApplier is the narrow surface healing needs from a
// durability manager.
type DurabilityApplier interface {
	Apply(manifest *metadata.FileManifest, actor string) (*metadata.FileManifest, error)
}

// Results mirrors run_health_checks' returned dict.
type Results struct {
	Reconciled       []string
	Checksums        []string
	Evacuated        []string
	GarbageCollected []string
}

func (r Results) any() bool {
	return len(r.Reconciled) > 0 || len(r.Checksums) > 0 || len(r.Evacuated) > 0 || len(r.GarbageCollected) > 0
}

// Manager runs the healing sweeps over the metadata store and fabric.
// lifecycleMgr and durabilityMgr are optional: nil skips that stage of
// each sweep's repair pipeline.
type Manager struct {
	net        *network.Network
	meta       *metadata.Store
	replica    *replica.Manager
	lifecycle  *lifecycle.Manager
	durability DurabilityApplier
	bus        *bus.Bus
	tel        *telemetry.Collector
	policy     config.DurabilityPolicy
}

// New builds a Manager.
func New(net *network.Network, meta *metadata.Store, replicaMgr *replica.Manager, lifecycleMgr *lifecycle.Manager, durabilityMgr DurabilityApplier, b *bus.Bus, tel *telemetry.Collector, policy config.DurabilityPolicy) *Manager {
	return &Manager{net: net, meta: meta, replica: replicaMgr, lifecycle: lifecycleMgr, durability: durabilityMgr, bus: b, tel: tel, policy: policy}
}

func (m *Manager) emit(eventType string, attrs map[string]string) {
	if m.tel != nil {
		m.tel.EmitEvent(eventType, attrs)
	}
}

// RunHealthChecks runs every sweep in sequence and publishes a summary if
// any of them found work to do.
func (m *Manager) RunHealthChecks() (Results, error) {
	var results Results
	var err error
	if results.Reconciled, err = m.ReconcileManifests(); err != nil {
		return Results{}, err
	}
	if results.Checksums, err = m.ScrubChecksums(); err != nil {
		return Results{}, err
	}
	if results.Evacuated, err = m.EvacuateFailedNodes(); err != nil {
		return Results{}, err
	}
	if results.GarbageCollected, err = m.CollectOrphans(); err != nil {
		return Results{}, err
	}
	if results.any() && m.bus != nil {
		m.bus.Publish(bus.Envelope{
			Topic: bus.TopicHealingEvents,
			Payload: map[string]any{
				"reconciled": results.Reconciled, "checksums": results.Checksums,
				"evacuated": results.Evacuated, "garbage_collected": results.GarbageCollected,
			},
		})
	}
	return results, nil
}

// ReconcileManifests repairs metadata manifests the fabric has lost track
// of entirely, re-deriving them from whatever the fabric still knows.
func (m *Manager) ReconcileManifests() ([]string, error) {
	manifests, err := m.meta.ListManifests()
	if err != nil {
		return nil, err
	}
	var reconciled []string
	for _, manifest := range manifests {
		if _, ok := m.net.Manifest(manifest.ManifestID); ok {
			continue
		}
		repaired, err := m.replica.RepairManifest(manifest.ManifestID)
		if err != nil {
			return nil, err
		}
		if repaired == nil {
			continue
		}
		if repaired, err = m.runPipeline(repaired); err != nil {
			return nil, err
		}
		reconciled = append(reconciled, manifest.ManifestID)
	}
	return reconciled, nil
}

// ScrubChecksums re-places replicas for any manifest with a segment on a
// currently failed node, when durability_policy.enable_scrubbing is set.
func (m *Manager) ScrubChecksums() ([]string, error) {
	if !m.policy.EnableScrubbing {
		return nil, nil
	}
	manifests, err := m.meta.ListManifests()
	if err != nil {
		return nil, err
	}
	var healed []string
	for _, manifest := range manifests {
		if !m.anySegmentOnFailedNode(manifest) {
			continue
		}
		updated, err := m.replica.EnforcePolicy(manifest)
		if err != nil {
			return nil, err
		}
		if updated, err = m.runPipeline(updated); err != nil {
			return nil, err
		}
		healed = append(healed, manifest.ManifestID)
	}
	return healed, nil
}

// EvacuateFailedNodes re-places replicas away from failed nodes and from
// nodes whose storage ratio has crossed evacuation_storage_threshold.
func (m *Manager) EvacuateFailedNodes() ([]string, error) {
	threshold := m.policy.EvacuationStorageThreshold
	if threshold <= 0 {
		threshold = 0.9
	}
	degraded := make(map[string]bool)
	for _, id := range m.net.NodeIDs() {
		if m.net.IsNodeFailed(id) {
			degraded[id] = true
			continue
		}
		n, ok := m.net.Node(id)
		if !ok || n.TotalStorageBytes <= 0 {
			continue
		}
		ratio := float64(n.UsedStorage()) / float64(n.TotalStorageBytes)
		if ratio >= threshold {
			degraded[id] = true
		}
	}
	if len(degraded) == 0 {
		return nil, nil
	}

	manifests, err := m.meta.ListManifests()
	if err != nil {
		return nil, err
	}
	var evacuated []string
	for _, manifest := range manifests {
		if !m.anySegmentOnNodes(manifest, degraded) {
			continue
		}
		updated, err := m.replica.EnforcePolicy(manifest)
		if err != nil {
			return nil, err
		}
		if updated, err = m.runPipeline(updated); err != nil {
			return nil, err
		}
		evacuated = append(evacuated, manifest.ManifestID)
	}
	return evacuated, nil
}

// CollectOrphans purges fabric manifests the metadata store no longer
// references. A cuckoo filter over known metadata manifest ids serves as
// a probabilistic pre-filter: a negative lookup is always correct and
// skips the authoritative map check outright; a positive lookup still
// falls through to it, since cuckoo filters can false-positive.
func (m *Manager) CollectOrphans() ([]string, error) {
	known, err := m.meta.ListManifests()
	if err != nil {
		return nil, err
	}
	knownIDs := make(map[string]bool, len(known))
	filter := cuckoo.NewFilter(uint(max(len(known), 1)))
	for _, manifest := range known {
		knownIDs[manifest.ManifestID] = true
		filter.InsertUnique([]byte(manifest.ManifestID))
	}

	var orphans []string
	for id := range m.net.Manifests() {
		if filter.Lookup([]byte(id)) && knownIDs[id] {
			continue
		}
		orphans = append(orphans, id)
		m.net.PurgeManifest(id)
	}
	if len(orphans) > 0 {
		m.emit("orphans_collected", map[string]string{"count": strconv.Itoa(len(orphans))})
	}
	return orphans, nil
}

func (m *Manager) runPipeline(manifest *metadata.FileManifest) (*metadata.FileManifest, error) {
	var err error
	if m.lifecycle != nil {
		if manifest, err = m.lifecycle.ApplyPostUpload(manifest); err != nil {
			return nil, err
		}
	}
	if m.durability != nil {
		if manifest, err = m.durability.Apply(manifest, ""); err != nil {
			return nil, err
		}
	}
	if err := m.meta.UpsertManifest(manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (m *Manager) anySegmentOnFailedNode(manifest *metadata.FileManifest) bool {
	for _, seg := range manifest.Segments {
		if m.net.IsNodeFailed(seg.NodeID) {
			return true
		}
	}
	return false
}

func (m *Manager) anySegmentOnNodes(manifest *metadata.FileManifest, nodes map[string]bool) bool {
	for _, seg := range manifest.Segments {
		if nodes[seg.NodeID] {
			return true
		}
	}
	return false
}
