package upload

import (
	"testing"
	"time"

	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/control/replica"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
	"github.com/cloudfabric/fabricsim/internal/fabric/node"
	"github.com/cloudfabric/fabricsim/internal/simclock"
)

func mustNode(t *testing.T, id, zone string) *node.Node {
	t.Helper()
	n, err := node.New(id, 2, 4, 10, 1000, zone)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func singleNodeNetwork(t *testing.T) *network.Network {
	t.Helper()
	sim := simclock.New(0)
	net := network.New(sim, network.LinkState)
	net.AddNode(mustNode(t, "a", "zone-a"))
	return net
}

func newOrchestrator(t *testing.T, net *network.Network) (*Orchestrator, *metadata.Store) {
	t.Helper()
	meta, err := metadata.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })
	cfg := config.Default().Storage
	return New(net, nil, meta, nil, nil, nil, nil, cfg), meta
}

func TestNegotiateChunkSizeHonorsMobileHint(t *testing.T) {
	net := singleNodeNetwork(t)
	o, _ := newOrchestrator(t, net)
	session := o.InitiateSession(InitiateSessionParams{
		SizeBytes:   10 * 1024 * 1024,
		ClientHints: map[string]string{"network_type": "mobile"},
	})
	if session.ChunkSize != 2*1024*1024 {
		t.Fatalf("chunk size = %d, want mobile-tuned 2MiB", session.ChunkSize)
	}
	if session.MaxParallelStreams != 2 {
		t.Fatalf("parallel streams = %d, want 2 for mobile", session.MaxParallelStreams)
	}
}

func TestAppendChunkIsIdempotentAndTracksGaps(t *testing.T) {
	net := singleNodeNetwork(t)
	o, _ := newOrchestrator(t, net)
	session := o.InitiateSession(InitiateSessionParams{SizeBytes: 20, ChunkSize: 10})

	if err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, ChunkBytes: 10, ChunkID: intPtr(0)}); err != nil {
		t.Fatal(err)
	}
	if session.ReceivedBytes != 10 {
		t.Fatalf("received bytes = %d, want 10", session.ReceivedBytes)
	}
	if err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, ChunkBytes: 10, ChunkID: intPtr(0)}); err != nil {
		t.Fatal(err)
	}
	if session.ReceivedBytes != 10 {
		t.Fatalf("retry of committed chunk 0 should be a no-op, got received = %d", session.ReceivedBytes)
	}
	if session.Status == "ready" {
		t.Fatal("session should not be ready with gap still open")
	}

	if err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, ChunkBytes: 10, ChunkID: intPtr(1)}); err != nil {
		t.Fatal(err)
	}
	if session.Status != "ready" {
		t.Fatalf("session status = %q, want ready once every chunk is committed", session.Status)
	}
}

func TestAppendChunkRejectsMismatchedRetry(t *testing.T) {
	net := singleNodeNetwork(t)
	o, _ := newOrchestrator(t, net)
	session := o.InitiateSession(InitiateSessionParams{SizeBytes: 20, ChunkSize: 10})

	if err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, ChunkBytes: 10, ChunkID: intPtr(0)}); err != nil {
		t.Fatal(err)
	}
	err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, ChunkBytes: 5, ChunkID: intPtr(0)})
	if err == nil {
		t.Fatal("expected mismatch error for reused chunk id with different length")
	}
}

func TestFinalizeRunsPipelineAndRecordsVersion(t *testing.T) {
	net := singleNodeNetwork(t)
	meta, err := metadata.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer meta.Close()

	replicaMgr := replica.New(net, meta, nil, config.ReplicaPolicy{HotReplicas: 1, ColdReplicas: 0, MinUniqueZones: 1})
	cfg := config.Default().Storage
	o := New(net, nil, meta, replicaMgr, nil, nil, nil, cfg)

	session := o.InitiateSession(InitiateSessionParams{
		OrgID: "org-1", CreatedBy: "user-1", SizeBytes: 10, ChunkSize: 10,
	})
	if err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, SourceNode: "a", FileName: "f.txt", ChunkBytes: 10, ChunkID: intPtr(0)}); err != nil {
		t.Fatal(err)
	}

	manifest, err := o.Finalize(session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	net.Sim.Run(simclock.RunOptions{})

	if manifest.TotalSize != 10 {
		t.Fatalf("manifest total size = %d, want 10", manifest.TotalSize)
	}
	entry, err := meta.GetFile(session.FileID, false)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Name != "f.txt" {
		t.Fatalf("file entry name = %q, want f.txt", entry.Name)
	}
	versions, err := meta.ListVersions(session.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected one recorded version, got %d", len(versions))
	}
	if session.Status != "finalized" {
		t.Fatalf("session status = %q, want finalized", session.Status)
	}
}

func TestFinalizeRejectsIncompleteSession(t *testing.T) {
	net := singleNodeNetwork(t)
	o, _ := newOrchestrator(t, net)
	session := o.InitiateSession(InitiateSessionParams{SizeBytes: 20, ChunkSize: 10})
	if _, err := o.Finalize(session.SessionID); err == nil {
		t.Fatal("expected error finalizing a session with uncommitted chunks")
	}
}

func TestEnsureActiveExpiresStaleSessions(t *testing.T) {
	net := singleNodeNetwork(t)
	o, _ := newOrchestrator(t, net)
	clockAt := time.Now()
	o.clock = func() time.Time { return clockAt }
	session := o.InitiateSession(InitiateSessionParams{SizeBytes: 10, ChunkSize: 10})

	o.clock = func() time.Time { return clockAt.Add(5 * time.Hour) }
	err := o.AppendChunk(AppendChunkParams{SessionID: session.SessionID, ChunkBytes: 10, ChunkID: intPtr(0)})
	if err == nil {
		t.Fatal("expected session-expired error past the TTL")
	}
}

func TestAbortRemovesSession(t *testing.T) {
	net := singleNodeNetwork(t)
	o, _ := newOrchestrator(t, net)
	session := o.InitiateSession(InitiateSessionParams{SizeBytes: 10, ChunkSize: 10})
	o.Abort(session.SessionID)
	if _, err := o.DescribeSession(session.SessionID); err == nil {
		t.Fatal("expected describe to fail after abort")
	}
}

func intPtr(i int) *int { return &i }
