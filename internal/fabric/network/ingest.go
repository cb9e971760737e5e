package network

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// candidate ranks one node as a segment-placement target.
type candidate struct {
	nodeID          string
	freeBytes       int64
	projectedUsage  float64 // 0..1, lower is better
	clusterPriority int     // 0 = same cluster as source, 1 = other reachable, 2 = source itself
}

// rankCandidates computes the BFS-reachable set from source over active
// links and nodes, then orders every reachable candidate (the source
// included, as the priority-2 fallback) by (clusterPriority asc,
// projectedUsage asc) per spec.md §4.5.3: same-cluster nodes other than
// source first, then other reachable nodes, then source itself last,
// least-loaded within each tier. Equal-usage ties are broken by
// tieBreakHash(nodeID, source), then by nodeID, for determinism.
func (net *Network) rankCandidates(source string) []candidate {
	reachable := net.reachableFrom(source)
	sourceRoot := net.nodeRoots[source]

	out := make([]candidate, 0, len(reachable))
	for id := range reachable {
		n, ok := net.nodes[id]
		if !ok {
			continue
		}
		total := n.TotalStorageBytes
		used := n.ProjectedStorageUsage()
		ratio := 0.0
		if total > 0 {
			ratio = float64(used) / float64(total)
		}
		var prio int
		switch {
		case id == source:
			prio = 2
		case net.nodeRoots[id] == sourceRoot:
			prio = 0
		default:
			prio = 1
		}
		out = append(out, candidate{nodeID: id, freeBytes: n.FreeStorage(), projectedUsage: ratio, clusterPriority: prio})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].clusterPriority != out[j].clusterPriority {
			return out[i].clusterPriority < out[j].clusterPriority
		}
		if out[i].projectedUsage != out[j].projectedUsage {
			return out[i].projectedUsage < out[j].projectedUsage
		}
		hi, hj := tieBreakHash(out[i].nodeID, source), tieBreakHash(out[j].nodeID, source)
		if hi != hj {
			return hi < hj
		}
		return out[i].nodeID < out[j].nodeID
	})
	return out
}

// IngestFile greedily distributes fileSize across ranked candidate nodes
// into a FileManifest, splitting into per-node segments and driving each
// segment's chunks across the fabric to their target (spec.md §4.5.3).
// preferLocal keeps the whole file on sourceNodeID when it has room.
func (net *Network) IngestFile(sourceNodeID, fileName string, fileSize int64, preferLocal bool, chunkHint *int64) (*FileManifest, error) {
	source, ok := net.nodes[sourceNodeID]
	if !ok {
		return nil, errors.Errorf("network: unknown source node %q", sourceNodeID)
	}
	net.manifestCounter++
	masterID := fmt.Sprintf("manifest-%d", net.manifestCounter)

	type placement struct {
		nodeID string
		size   int64
		offset int64
	}
	var placements []placement

	if preferLocal && source.FreeStorage() >= fileSize {
		placements = append(placements, placement{sourceNodeID, fileSize, 0})
	} else {
		remaining := fileSize
		var offset int64
		for _, c := range net.rankCandidates(sourceNodeID) {
			if remaining <= 0 {
				break
			}
			take := c.freeBytes
			if take > remaining {
				take = remaining
			}
			if take <= 0 {
				continue
			}
			placements = append(placements, placement{c.nodeID, take, offset})
			remaining -= take
			offset += take
		}
		if remaining > 0 {
			return nil, errors.Errorf("network: insufficient fabric capacity to ingest %q (%d bytes unplaced)", fileName, remaining)
		}
	}

	manifest := &FileManifest{MasterID: masterID, FileName: fileName, TotalSize: fileSize, CreatedAt: net.now()}
	pending := make(map[string]bool)

	for i, p := range placements {
		target, ok := net.nodes[p.nodeID]
		if !ok {
			continue
		}
		segmentFileID := fmt.Sprintf("%s-seg%d", masterID, i)
		effectiveHint := chunkHint
		if effectiveHint == nil {
			path := net.computeRoute(sourceNodeID, p.nodeID)
			recommended := RecommendChunkSize(p.size, path)
			effectiveHint = &recommended
		}
		transfer, err := target.InitiateFileTransfer(segmentFileID, fileName, p.size, net.now(), effectiveHint, masterID, p.offset)
		if err != nil {
			return nil, errors.Wrapf(err, "network: initiating segment on %s", p.nodeID)
		}
		if transfer == nil {
			return nil, errors.Errorf("network: node %s refused segment reservation after ranking as capable", p.nodeID)
		}
		manifest.Segments = append(manifest.Segments, FileSegment{NodeID: p.nodeID, FileID: segmentFileID, Size: p.size, Offset: p.offset})
		pending[segmentFileID] = true

		for _, chunk := range transfer.Chunks {
			net.driveChunkToTarget(sourceNodeID, p.nodeID, segmentFileID, chunk.ChunkID, chunk.Size, masterID)
		}
	}

	net.manifests[masterID] = manifest
	net.pendingSegments[masterID] = pending
	net.emit("ingest_started", map[string]any{"master_id": masterID, "file_name": fileName, "segments": len(placements)})
	return manifest, nil
}

// driveChunkToTarget routes one chunk from source to target across the
// fabric (or commits it immediately if they're the same node) and wires
// its arrival to the target's commit + finalize lifecycle.
func (net *Network) driveChunkToTarget(sourceNodeID, targetNodeID, fileID string, chunkID int, size int64, masterID string) {
	if sourceNodeID == targetNodeID {
		net.commitArrivedChunk(sourceNodeID, targetNodeID, fileID, chunkID, masterID)
		return
	}
	path := net.computeRoute(sourceNodeID, targetNodeID)
	if len(path) < 2 {
		net.failSegment(masterID, fileID, "no-route")
		return
	}
	net.enqueueChunkTransfer(path, fileID, chunkID, size,
		func(n *Network, ac *ActiveChunk) { n.commitArrivedChunk(sourceNodeID, targetNodeID, fileID, chunkID, masterID) },
		func(n *Network, ac *ActiveChunk, reason string) { n.failSegment(masterID, fileID, reason) },
	)
}

// pendingCommit tracks a disk-commit callback scheduled for some future
// simulated time so FailNode can discard it without waiting for it to
// fire, per spec.md §4.5.5's "every pending disk-commit whose source or
// target = n is discarded and its transfer failed."
type pendingCommit struct {
	masterID, fileID           string
	chunkID                    int
	sourceNodeID, targetNodeID string
	discarded                  bool
}

func (net *Network) commitArrivedChunk(sourceNodeID, targetNodeID, fileID string, chunkID int, masterID string) {
	target, ok := net.nodes[targetNodeID]
	if !ok {
		net.failSegment(masterID, fileID, "target-removed")
		return
	}
	bandwidth := net.linkCapacityBps(sourceNodeID, targetNodeID)
	result := target.ProcessChunkTransfer(fileID, chunkID, sourceNodeID, net.now(), bandwidth)
	if !result.Success {
		net.failSegment(masterID, fileID, "commit-rejected")
		return
	}
	completeAt := result.CompletionTime
	if net.Sim == nil || completeAt <= net.now() {
		target.FinalizeChunkCommit(fileID, chunkID, completeAt)
		net.onChunkFinalized(targetNodeID, fileID, chunkID, masterID)
		return
	}
	pc := &pendingCommit{masterID: masterID, fileID: fileID, chunkID: chunkID, sourceNodeID: sourceNodeID, targetNodeID: targetNodeID}
	net.pendingCommits = append(net.pendingCommits, pc)
	_ = net.Sim.ScheduleAt(completeAt, 1, func(args ...any) {
		net.removePendingCommit(pc)
		if pc.discarded {
			return
		}
		target.FinalizeChunkCommit(fileID, chunkID, completeAt)
		net.onChunkFinalized(targetNodeID, fileID, chunkID, masterID)
	})
}

func (net *Network) removePendingCommit(pc *pendingCommit) {
	for i, other := range net.pendingCommits {
		if other == pc {
			net.pendingCommits = append(net.pendingCommits[:i], net.pendingCommits[i+1:]...)
			return
		}
	}
}

// discardPendingCommits marks every not-yet-fired disk-commit whose
// source or target node is id as discarded and fails its segment
// immediately, rather than waiting for the scheduled callback to fire.
func (net *Network) discardPendingCommits(id string) {
	kept := net.pendingCommits[:0]
	for _, pc := range net.pendingCommits {
		if !pc.discarded && (pc.sourceNodeID == id || pc.targetNodeID == id) {
			pc.discarded = true
			net.failSegment(pc.masterID, pc.fileID, "node-failed")
			continue
		}
		kept = append(kept, pc)
	}
	net.pendingCommits = kept
}

func (net *Network) onChunkFinalized(targetNodeID, fileID string, chunkID int, masterID string) {
	net.emit("chunk_completed", map[string]any{"node": targetNodeID, "file_id": fileID, "chunk_id": chunkID})
	target, ok := net.nodes[targetNodeID]
	if !ok {
		return
	}
	if _, stillActive := target.ActiveTransfers()[fileID]; stillActive {
		return
	}
	pending := net.pendingSegments[masterID]
	if pending == nil {
		return
	}
	delete(pending, fileID)
	if len(pending) == 0 {
		delete(net.pendingSegments, masterID)
		net.emit("transfer_completed", map[string]any{"master_id": masterID})
	}
}

func (net *Network) failSegment(masterID, fileID, reason string) {
	net.emit("transfer_failed", map[string]any{"master_id": masterID, "file_id": fileID, "reason": reason})
	if pending := net.pendingSegments[masterID]; pending != nil {
		delete(pending, fileID)
	}
}

// LocateFile returns every segment's node id for a manifest.
func (net *Network) LocateFile(masterID string) ([]string, bool) {
	m, ok := net.manifests[masterID]
	if !ok {
		return nil, false
	}
	nodeIDs := make([]string, len(m.Segments))
	for i, s := range m.Segments {
		nodeIDs[i] = s.NodeID
	}
	return nodeIDs, true
}

// Manifest returns the manifest registered under masterID.
func (net *Network) Manifest(masterID string) (*FileManifest, bool) {
	m, ok := net.manifests[masterID]
	return m, ok
}

// Manifests returns every manifest currently registered on the fabric,
// keyed by master id.
func (net *Network) Manifests() map[string]*FileManifest {
	out := make(map[string]*FileManifest, len(net.manifests))
	for k, v := range net.manifests {
		out[k] = v
	}
	return out
}

// PurgeManifest removes a manifest and every segment's backing storage
// from the fabric, for orphan garbage collection.
func (net *Network) PurgeManifest(masterID string) {
	m, ok := net.manifests[masterID]
	if !ok {
		return
	}
	for _, seg := range m.Segments {
		if n, ok := net.nodes[seg.NodeID]; ok {
			n.ForgetStoredFile(seg.FileID)
		}
	}
	delete(net.manifests, masterID)
	delete(net.pendingSegments, masterID)
}

// AssembleFile concatenates every segment's retrieved bytes in offset
// order, failing if any segment's backing node is unreachable.
func (net *Network) AssembleFile(masterID, destinationNodeID string) ([]byte, error) {
	m, ok := net.manifests[masterID]
	if !ok {
		return nil, errors.Errorf("network: unknown manifest %q", masterID)
	}
	segments := append([]FileSegment(nil), m.Segments...)
	sort.Slice(segments, func(i, j int) bool { return segments[i].Offset < segments[j].Offset })

	out := make([]byte, 0, m.TotalSize)
	for _, seg := range segments {
		n, ok := net.nodes[seg.NodeID]
		if !ok || net.failedNodes[seg.NodeID] {
			return nil, errors.Errorf("network: segment host %q unavailable", seg.NodeID)
		}
		retr := n.RetrieveFile(seg.FileID, destinationNodeID, net.now())
		if retr == nil {
			return nil, errors.Errorf("network: segment %q not stored on %q", seg.FileID, seg.NodeID)
		}
		out = append(out, make([]byte, seg.Size)...)
	}
	return out, nil
}

// InitiateReplicaTransfer copies an existing manifest's segments onto a
// freshly spawned or existing replica node, for read scaling or recovery.
func (net *Network) InitiateReplicaTransfer(masterID, replicaNodeID string) error {
	m, ok := net.manifests[masterID]
	if !ok {
		return errors.Errorf("network: unknown manifest %q", masterID)
	}
	if _, ok := net.nodes[replicaNodeID]; !ok {
		return errors.Errorf("network: unknown replica target %q", replicaNodeID)
	}
	mirrored := 0
	for i, seg := range m.Segments {
		replicaFileID := fmt.Sprintf("%s-replica-%s-%d", masterID, replicaNodeID, i)
		source, ok := net.nodes[seg.NodeID]
		if !ok {
			continue
		}
		target := net.nodes[replicaNodeID]
		retr := source.RetrieveFile(seg.FileID, replicaNodeID, net.now())
		if retr == nil {
			net.emit("replica_sync_failed", map[string]any{"master_id": masterID, "segment": seg.FileID})
			continue
		}
		transfer, err := target.InitiateFileTransfer(replicaFileID, m.FileName, seg.Size, net.now(), nil, masterID, seg.Offset)
		if err != nil || transfer == nil {
			net.emit("replica_sync_failed", map[string]any{"master_id": masterID, "segment": seg.FileID})
			continue
		}
		mirrored++
		for _, chunk := range transfer.Chunks {
			net.driveChunkToTarget(seg.NodeID, replicaNodeID, replicaFileID, chunk.ChunkID, chunk.Size, masterID+"-replica")
		}
	}
	if mirrored == len(m.Segments) && mirrored > 0 {
		m.Segments = append(m.Segments, FileSegment{
			NodeID: replicaNodeID,
			FileID: fmt.Sprintf("%s-replica-%s", masterID, replicaNodeID),
			Size:   m.TotalSize,
			Offset: 0,
		})
	}
	return nil
}
