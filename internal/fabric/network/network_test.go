package network

import (
	"testing"

	"github.com/cloudfabric/fabricsim/internal/fabric/node"
	"github.com/cloudfabric/fabricsim/internal/simclock"
)

func mustNode(t *testing.T, id string, storageGB, bandwidthMbps int64) *node.Node {
	t.Helper()
	n, err := node.New(id, 2, 4, storageGB, bandwidthMbps, "zone-a")
	if err != nil {
		t.Fatalf("node.New(%s): %v", id, err)
	}
	return n
}

func chainNetwork(t *testing.T) *Network {
	t.Helper()
	sim := simclock.New(0)
	net := New(sim, LinkState)
	a := mustNode(t, "a", 10, 1000)
	b := mustNode(t, "b", 10, 1000)
	c := mustNode(t, "c", 10, 1000)
	d := mustNode(t, "d", 10, 1000)
	net.AddNode(a)
	net.AddNode(b)
	net.AddNode(c)
	net.AddNode(d)
	if err := net.ConnectNodes("a", "b", 1000, 5); err != nil {
		t.Fatal(err)
	}
	if err := net.ConnectNodes("b", "c", 1000, 5); err != nil {
		t.Fatal(err)
	}
	if err := net.ConnectNodes("a", "d", 1000, 50); err != nil {
		t.Fatal(err)
	}
	if err := net.ConnectNodes("d", "c", 1000, 50); err != nil {
		t.Fatal(err)
	}
	return net
}

func TestDijkstraAndBellmanFordAgreeOnShortestPath(t *testing.T) {
	net := chainNetwork(t)
	net.RoutingStrategy = LinkState
	viaLinkState := net.computeRoute("a", "c")
	net.RoutingStrategy = DistanceVector
	viaDistanceVector := net.computeRoute("a", "c")

	want := []string{"a", "b", "c"}
	if !equalPath(viaLinkState, want) {
		t.Fatalf("dijkstra path = %v, want %v", viaLinkState, want)
	}
	if !equalPath(viaDistanceVector, want) {
		t.Fatalf("bellman-ford path = %v, want %v", viaDistanceVector, want)
	}
}

func equalPath(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestComputeRouteNoPathReturnsNil(t *testing.T) {
	net := chainNetwork(t)
	net.DisconnectNodes("a", "b")
	net.DisconnectNodes("a", "d")
	if route := net.computeRoute("a", "c"); route != nil {
		t.Fatalf("expected nil route, got %v", route)
	}
}

func TestRunTickSplitsLinkCapacityEquallyRegardlessOfDemand(t *testing.T) {
	net := chainNetwork(t)
	big := net.enqueueChunkTransfer([]string{"a", "b"}, "f-big", 1, 10_000_000, nil, nil)
	small := net.enqueueChunkTransfer([]string{"a", "b"}, "f-small", 2, 3_000_000, nil, nil)
	if big == nil || small == nil {
		t.Fatal("expected both chunks to attach their first hop")
	}

	net.runTick()

	bigConsumed := 10_000_000 - big.RemainingBytes
	smallConsumed := 3_000_000 - small.RemainingBytes
	if bigConsumed != smallConsumed {
		t.Fatalf("flows on the same link got different shares: big=%v small=%v, want equal", bigConsumed, smallConsumed)
	}
}

func TestAdvanceChunkCarriesOverflowIntoNextHop(t *testing.T) {
	net := chainNetwork(t)
	ac := net.enqueueChunkTransfer([]string{"a", "b", "c"}, "f-overflow", 1, 1000, nil, nil)
	if ac == nil {
		t.Fatal("expected chunk to attach its first hop")
	}

	net.advanceChunk(ac, 1200) // a share that exceeds the chunk's remaining bytes

	if ac.HopIndex != 1 {
		t.Fatalf("HopIndex = %d, want 1 (advanced past the first hop)", ac.HopIndex)
	}
	if ac.RemainingBytes != 800 { // 1000 - (1200 - 1000) overflow carried in
		t.Fatalf("RemainingBytes = %v, want 800", ac.RemainingBytes)
	}
}

func TestRecommendChunkSizeShrinksWithHopCount(t *testing.T) {
	direct := RecommendChunkSize(200*1024*1024, []string{"a", "b"})
	threeHop := RecommendChunkSize(200*1024*1024, []string{"a", "b", "c", "d"})
	if threeHop >= direct {
		t.Fatalf("three-hop chunk size %d should be smaller than direct %d", threeHop, direct)
	}
}

func TestIngestFilePreferLocalStaysOnSource(t *testing.T) {
	net := chainNetwork(t)
	manifest, err := net.IngestFile("a", "f.bin", 1024*1024, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Segments) != 1 || manifest.Segments[0].NodeID != "a" {
		t.Fatalf("segments = %+v, want single segment on a", manifest.Segments)
	}
}

func TestIngestFileDistributesAcrossCandidatesWhenNotPreferLocal(t *testing.T) {
	net := chainNetwork(t)
	manifest, err := net.IngestFile("a", "f.bin", 1024*1024, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, seg := range manifest.Segments {
		if seg.NodeID == "a" {
			t.Fatalf("segment placed back on source despite preferLocal=false: %+v", seg)
		}
	}
}

func TestIngestFileRunsChunksToCompletion(t *testing.T) {
	net := chainNetwork(t)
	var completed, failed bool
	net.RegisterObserver(func(ev Event) {
		switch ev.Type {
		case "transfer_completed":
			completed = true
		case "transfer_failed":
			failed = true
		}
	})
	_, err := net.IngestFile("a", "f.bin", 256*1024, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	net.Sim.Run(simclock.RunOptions{})
	if failed {
		t.Fatal("transfer should not have failed")
	}
	if !completed {
		t.Fatal("transfer should have completed after draining the simulator")
	}
}

func TestFailLinkReroutesActiveChunk(t *testing.T) {
	net := chainNetwork(t)
	_, err := net.IngestFile("a", "f.bin", 4*1024*1024, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	net.FailLink("b", "c")
	net.Sim.Run(simclock.RunOptions{})
	if len(net.chunks) != 0 {
		t.Fatalf("expected all chunks to drain (reroute or fail), got %d still active", len(net.chunks))
	}
}

func TestFailNodeThenRemoveNodeCleansUpTopology(t *testing.T) {
	net := chainNetwork(t)
	net.FailNode("b")
	if route := net.computeRoute("a", "c"); !equalPath(route, []string{"a", "d", "c"}) {
		t.Fatalf("route after failing b = %v, want a->d->c", route)
	}
	net.RemoveNode("b")
	if _, ok := net.Node("b"); ok {
		t.Fatal("b should be gone")
	}
	if aNode, _ := net.Node("a"); aNode.Connections()["b"] != 0 {
		t.Fatal("a should no longer list b as a connection")
	}
}

func TestMaybeExpandClusterSpawnsReplicaOnStorageThreshold(t *testing.T) {
	sim := simclock.New(0)
	net := New(sim, LinkState)
	a := mustNode(t, "a", 1, 1000) // 1GB, trivially easy to push over 85%
	net.AddNode(a)
	net.ScalingConfig.MinReplicasPerRoot = 0

	if _, err := a.StoreLocalFile("big.bin", int64(float64(a.TotalStorageBytes)*0.9), 0); err != nil {
		t.Fatal(err)
	}
	spawned := net.MaybeExpandCluster()
	if len(spawned) != 1 {
		t.Fatalf("expected one replica spawned, got %d (%v)", len(spawned), spawned)
	}
	if _, ok := net.Node(spawned[0]); !ok {
		t.Fatal("spawned replica should be registered in the topology")
	}
}

func TestEnsureReplicaCoverageAfterNodeFailure(t *testing.T) {
	sim := simclock.New(0)
	net := New(sim, LinkState)
	root := mustNode(t, "root", 10, 1000)
	net.AddNode(root)
	net.ScalingConfig.MinReplicasPerRoot = 1

	net.ensureReplicaCoverage("root")
	if net.replicaCount("root") != 1 {
		t.Fatalf("replica count = %d, want 1", net.replicaCount("root"))
	}

	net.FailNode("root-replica-1")
	if net.replicaCount("root") != 1 {
		t.Fatalf("replica count after failing the replica = %d, want 1", net.replicaCount("root"))
	}
}

func TestRankCandidatesExcludesUnreachablePartition(t *testing.T) {
	net := chainNetwork(t)
	net.AddNode(mustNode(t, "isolated", 10, 1000)) // never connected to anything

	for _, c := range net.rankCandidates("a") {
		if c.nodeID == "isolated" {
			t.Fatal("rankCandidates included a node with no route from source")
		}
	}
}

func TestRankCandidatesRanksSourceAsLastResort(t *testing.T) {
	net := chainNetwork(t)
	candidates := net.rankCandidates("a")
	if len(candidates) == 0 || candidates[len(candidates)-1].nodeID != "a" {
		t.Fatalf("candidates = %+v, want source ranked last (clusterPriority 2)", candidates)
	}
	if candidates[len(candidates)-1].clusterPriority != 2 {
		t.Fatalf("source clusterPriority = %d, want 2", candidates[len(candidates)-1].clusterPriority)
	}
}

func TestFailNodeDiscardsPendingDiskCommit(t *testing.T) {
	net := chainNetwork(t)
	b, _ := net.Node("b")
	const masterID, fileID = "m-test", "m-test-seg0"
	if _, err := b.InitiateFileTransfer(fileID, "f.bin", 1024, 0, nil, masterID, 0); err != nil {
		t.Fatal(err)
	}
	net.manifests[masterID] = &FileManifest{MasterID: masterID}
	net.pendingSegments[masterID] = map[string]bool{fileID: true}

	var failed, completed bool
	net.RegisterObserver(func(ev Event) {
		switch ev.Type {
		case "transfer_failed":
			failed = true
		case "transfer_completed":
			completed = true
		}
	})

	net.commitArrivedChunk("a", "b", fileID, 0, masterID)
	if len(net.pendingCommits) != 1 {
		t.Fatalf("expected one pending disk-commit, got %d", len(net.pendingCommits))
	}

	net.FailNode("b")
	if len(net.pendingCommits) != 0 {
		t.Fatal("pending disk-commit should be discarded the moment its node fails")
	}

	net.Sim.Run(simclock.RunOptions{})
	if completed {
		t.Fatal("a discarded disk-commit must not still finalize")
	}
	if !failed {
		t.Fatal("expected transfer_failed for the discarded commit")
	}
}
