// Package replica enforces replica count and zone-diversity policy on
// manifests, grounded on
// original_source/cloud_drive/services/replica_service.py's ReplicaManager.
package replica

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/control/telemetry"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
)

// Manager places and repairs replicas over the storage fabric network,
// recording the resulting manifests in the metadata store.
type Manager struct {
	net    *network.Network
	meta   *metadata.Store
	tel    *telemetry.Collector
	policy config.ReplicaPolicy
}

// New builds a Manager bound to a fabric network, metadata store, and the
// replica policy to enforce.
func New(net *network.Network, meta *metadata.Store, tel *telemetry.Collector, policy config.ReplicaPolicy) *Manager {
	return &Manager{net: net, meta: meta, tel: tel, policy: policy}
}

func (m *Manager) emit(eventType, manifestID string) {
	if m.tel != nil {
		m.tel.EmitEvent(eventType, map[string]string{"manifest_id": manifestID})
	}
}

// EnforcePolicy tops a manifest up to hot_replicas+cold_replicas distinct
// node copies, preferring nodes in zones not yet represented until
// min_unique_zones is met. It persists and returns the resulting
// manifest; if placement stalls (no eligible source or target), it
// returns whatever was achieved.
func (m *Manager) EnforcePolicy(manifest *metadata.FileManifest) (*metadata.FileManifest, error) {
	requiredCopies := max(1, m.policy.HotReplicas+m.policy.ColdReplicas)
	currentNodes := nodeSet(manifest.Segments)
	currentZones := m.zonesForNodes(currentNodes)
	if len(currentNodes) >= requiredCopies {
		return manifest, nil
	}

	updated := manifest
	needed := requiredCopies - len(currentNodes)
	for i := 0; i < needed; i++ {
		source, ok := pickSourceSegment(updated.Segments)
		if !ok {
			break
		}
		target, ok := m.selectTargetNode(currentNodes, currentZones, source.Length, m.policy.MinUniqueZones)
		if !ok {
			break
		}
		if err := m.net.InitiateReplicaTransfer(updated.ManifestID, target); err != nil {
			continue
		}
		currentNodes[target] = true
		currentZones = m.zonesForNodes(currentNodes)
		refreshed, err := m.refreshManifest(updated.ManifestID)
		if err != nil {
			return nil, err
		}
		updated = refreshed
	}

	if err := m.meta.UpsertManifest(updated); err != nil {
		return nil, err
	}
	m.emit("replica_policy_enforced", updated.ManifestID)
	return updated, nil
}

// RepairManifest re-reads a manifest's current segment layout from the
// fabric and re-syncs it into the metadata store, without placing new
// replicas. It returns (nil, nil) if the fabric has no record of
// manifestID at all — there is nothing to repair from.
func (m *Manager) RepairManifest(manifestID string) (*metadata.FileManifest, error) {
	if _, ok := m.net.Manifest(manifestID); !ok {
		return nil, nil
	}
	manifest, err := m.refreshManifest(manifestID)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, nil
	}
	if err := m.meta.UpsertManifest(manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (m *Manager) refreshManifest(manifestID string) (*metadata.FileManifest, error) {
	fm, ok := m.net.Manifest(manifestID)
	if !ok {
		return nil, errors.Errorf("replica: manifest %q missing from storage fabric", manifestID)
	}
	segments := make([]metadata.ManifestSegment, len(fm.Segments))
	for i, s := range fm.Segments {
		segments[i] = metadata.ManifestSegment{
			NodeID:      s.NodeID,
			FileID:      s.FileID,
			Offset:      s.Offset,
			Length:      s.Size,
			StorageTier: "hot",
			Encrypted:   true,
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Offset < segments[j].Offset })
	return &metadata.FileManifest{
		ManifestID: fm.MasterID,
		FileID:     fm.MasterID,
		TotalSize:  fm.TotalSize,
		Segments:   segments,
	}, nil
}

func (m *Manager) selectTargetNode(exclude, existingZones map[string]bool, requiredBytes int64, minUniqueZones int) (string, bool) {
	ids := m.net.NodeIDs()
	sort.Strings(ids)
	var preferred, fallback []string
	for _, id := range ids {
		if exclude[id] || m.net.IsNodeFailed(id) {
			continue
		}
		n, ok := m.net.Node(id)
		if !ok || n.FreeStorage() < requiredBytes {
			continue
		}
		if n.Zone != "" && !existingZones[n.Zone] && len(existingZones) < minUniqueZones {
			preferred = append(preferred, id)
		} else {
			fallback = append(fallback, id)
		}
	}
	if len(preferred) > 0 {
		return preferred[0], true
	}
	if len(fallback) > 0 {
		return fallback[0], true
	}
	return "", false
}

func (m *Manager) zonesForNodes(nodes map[string]bool) map[string]bool {
	zones := make(map[string]bool)
	for id := range nodes {
		if n, ok := m.net.Node(id); ok && n.Zone != "" {
			zones[n.Zone] = true
		}
	}
	return zones
}

func pickSourceSegment(segments []metadata.ManifestSegment) (metadata.ManifestSegment, bool) {
	if len(segments) == 0 {
		return metadata.ManifestSegment{}, false
	}
	return segments[0], true
}

func nodeSet(segments []metadata.ManifestSegment) map[string]bool {
	out := make(map[string]bool, len(segments))
	for _, s := range segments {
		out[s.NodeID] = true
	}
	return out
}
