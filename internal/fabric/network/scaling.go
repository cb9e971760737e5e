package network

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// collectTelemetry snapshots every live node's load ratios, the figures
// maybeExpandCluster compares against ScalingConfig's thresholds.
func (net *Network) collectTelemetry() []NodeTelemetry {
	ids := make([]string, 0, len(net.nodes))
	for id := range net.nodes {
		if net.failedNodes[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	snapshots := make([]NodeTelemetry, len(ids))
	var g errgroup.Group
	now := net.now()
	for i, id := range ids {
		i, id := i, id
		n := net.nodes[id]
		g.Go(func() error {
			storageRatio := 0.0
			if n.TotalStorageBytes > 0 {
				storageRatio = float64(n.ProjectedStorageUsage()) / float64(n.TotalStorageBytes)
			}
			bwRatio := 0.0
			if n.BandwidthBps > 0 {
				bwRatio = n.NetworkUtilization / float64(n.BandwidthBps)
			}
			memRatio := 0.0
			if n.MemoryCapacityBytes > 0 {
				memRatio = float64(n.OS.UsedMemory()) / float64(n.MemoryCapacityBytes)
			}
			snapshots[i] = NodeTelemetry{
				NodeID:         id,
				StorageRatio:   storageRatio,
				BandwidthRatio: bwRatio,
				OSMemoryRatio:  memRatio,
				Timestamp:      now,
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range ids {
		delta := net.nodes[id].OSProcessFailures - net.osFailureBaseline[id]
		snapshots[i].OSFailureDelta = delta
		net.osFailureBaseline[id] = net.nodes[id].OSProcessFailures
	}
	return snapshots
}

// triggeredReason reports the first (in TriggerPriority order) threshold
// a node's telemetry breaches, or "" if none.
func (net *Network) triggeredReason(t NodeTelemetry) string {
	for _, reason := range net.ScalingConfig.TriggerPriority {
		switch reason {
		case "storage":
			if t.StorageRatio >= net.ScalingConfig.StorageThreshold {
				return reason
			}
		case "bandwidth":
			if t.BandwidthRatio >= net.ScalingConfig.BandwidthThreshold {
				return reason
			}
		case "os_memory":
			if t.OSMemoryRatio >= net.ScalingConfig.OSMemoryThreshold {
				return reason
			}
		case "os_failures":
			if t.OSFailureDelta >= net.ScalingConfig.OSFailureDeltaThreshold {
				return reason
			}
		}
	}
	return ""
}

// triggerSeverity reports how far t has breached the threshold for reason
// — the figure single-winner selection ranks candidates by once they
// share the same trigger priority (spec.md §4.5.6).
func triggerSeverity(reason string, t NodeTelemetry) float64 {
	switch reason {
	case "storage":
		return t.StorageRatio
	case "bandwidth":
		return t.BandwidthRatio
	case "os_memory":
		return t.OSMemoryRatio
	case "os_failures":
		return float64(t.OSFailureDelta)
	default:
		return 0
	}
}

// MaybeExpandCluster samples telemetry, selects the single highest-
// priority breaching node (ranked by trigger cause priority, then
// decreasing severity, then decreasing bandwidth utilization) and spawns
// one replica for its cluster root if it isn't already at
// MaxReplicasPerRoot (spec.md §4.5.6 — a single winner per pass, not one
// replica per breaching node). Returns the winner's new replica id, if
// any.
func (net *Network) MaybeExpandCluster() []string {
	if !net.ScalingConfig.AutoReplicationEnabled {
		return nil
	}
	priority := map[string]int{}
	for i, reason := range net.ScalingConfig.TriggerPriority {
		priority[reason] = i
	}

	type candidate struct {
		telemetry NodeTelemetry
		reason    string
	}
	var candidates []candidate
	for _, t := range net.collectTelemetry() {
		reason := net.triggeredReason(t)
		if reason == "" {
			continue
		}
		candidates = append(candidates, candidate{telemetry: t, reason: reason})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if priority[ci.reason] != priority[cj.reason] {
			return priority[ci.reason] < priority[cj.reason]
		}
		si, sj := triggerSeverity(ci.reason, ci.telemetry), triggerSeverity(cj.reason, cj.telemetry)
		if si != sj {
			return si > sj
		}
		return ci.telemetry.BandwidthRatio > cj.telemetry.BandwidthRatio
	})

	winner := candidates[0]
	root := net.nodeRoots[winner.telemetry.NodeID]
	if root == "" {
		root = winner.telemetry.NodeID
	}
	if net.replicaCount(root) >= net.ScalingConfig.MaxReplicasPerRoot {
		return nil
	}
	replica, err := net.spawnReplicaNode(root)
	if err != nil || replica == "" {
		return nil
	}
	net.emit("cluster_expanded", map[string]any{"root": root, "replica": replica, "reason": winner.reason})
	net.scheduleReplicaSeed(root, replica)
	return []string{replica}
}

func (net *Network) replicaCount(root string) int {
	members := net.clusterNodes[root]
	count := 0
	for id := range members {
		if id == root {
			continue
		}
		if !net.failedNodes[id] {
			count++
		}
	}
	return count
}

// spawnReplicaNode clones root's node with proportionally reduced
// storage (capacity is already largely consumed) and boosted bandwidth
// (it exists to absorb hot reads), wiring it into root's cluster and
// connecting it to every live member (spec.md §4.4's Clone, §4.5.6).
func (net *Network) spawnReplicaNode(root string) (string, error) {
	rootNode, ok := net.nodes[root]
	if !ok {
		return "", nil
	}
	limit := net.ScalingConfig.ReplicaSeedLimit
	if limit <= 0 {
		limit = 8
	}
	seq := len(net.clusterNodes[root])
	if seq >= limit {
		return "", nil
	}
	replicaID := fmt.Sprintf("%s-replica-%d", root, seq)
	if _, exists := net.nodes[replicaID]; exists {
		return "", nil
	}
	replica, err := rootNode.Clone(replicaID, 0.5, 1.5, "")
	if err != nil {
		return "", err
	}
	net.AddNode(replica)
	net.nodeRoots[replicaID] = root
	net.replicaParents[replicaID] = root
	if net.clusterNodes[root] == nil {
		net.clusterNodes[root] = map[string]bool{root: true}
	}
	net.clusterNodes[root][replicaID] = true
	delete(net.clusterNodes, replicaID) // it joins root's cluster, not its own

	for memberID := range net.clusterNodes[root] {
		if memberID == replicaID {
			continue
		}
		if member, ok := net.nodes[memberID]; ok {
			latency := net.linkLatencyMs[newLinkKey(root, memberID)]
			if latency == 0 {
				latency = 1.0
			}
			_ = net.ConnectNodes(replicaID, memberID, member.BandwidthBps/1_000_000, latency)
		}
	}
	return replicaID, nil
}

// scheduleReplicaSeed copies every manifest with a segment hosted
// anywhere in root's cluster onto the new replica (spec.md §4.5.6). The
// number of manifests copied is not capped by MinReplicasPerRoot.
func (net *Network) scheduleReplicaSeed(root, replicaID string) {
	members := net.clusterNodes[root]
	ids := make([]string, 0, len(net.manifests))
	for id := range net.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, masterID := range ids {
		m := net.manifests[masterID]
		hosted := false
		for _, seg := range m.Segments {
			if members[seg.NodeID] {
				hosted = true
				break
			}
		}
		if hosted {
			_ = net.InitiateReplicaTransfer(masterID, replicaID)
		}
	}
}

// ensureReplicaCoverage tops a cluster back up to MinReplicasPerRoot
// after a node failure or removal shrinks its live replica count.
func (net *Network) ensureReplicaCoverage(root string) {
	if !net.ScalingConfig.AutoReplicationEnabled {
		return
	}
	if _, ok := net.nodes[root]; !ok {
		return
	}
	for net.replicaCount(root) < net.ScalingConfig.MinReplicasPerRoot {
		replica, err := net.spawnReplicaNode(root)
		if err != nil || replica == "" {
			return
		}
		net.emit("replica_coverage_restored", map[string]any{"root": root, "replica": replica})
		net.scheduleReplicaSeed(root, replica)
	}
}
