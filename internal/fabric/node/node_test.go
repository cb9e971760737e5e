package node

import "testing"

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New("n1", 2, 4, 100, 1000, "us-east")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestInitiateFileTransferReservesAndChunks(t *testing.T) {
	n := newTestNode(t)
	transfer, err := n.InitiateFileTransfer("f1", "a.bin", 20*1024*1024, 0, nil, "", 0)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if transfer == nil {
		t.Fatal("transfer should not be nil")
	}
	if len(transfer.Chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	var sum int64
	for _, c := range transfer.Chunks {
		sum += c.Size
	}
	if sum != 20*1024*1024 {
		t.Fatalf("chunk sizes sum to %d, want %d", sum, 20*1024*1024)
	}
}

func TestInitiateFileTransferOverCapacityReturnsNil(t *testing.T) {
	n := newTestNode(t)
	transfer, err := n.InitiateFileTransfer("f1", "a.bin", 10*1024*1024*1024*1024, 0, nil, "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transfer != nil {
		t.Fatal("expected nil transfer over capacity")
	}
}

func TestProcessAndFinalizeChunkTransferCompletesTransfer(t *testing.T) {
	n := newTestNode(t)
	size := int64(512 * 1024)
	transfer, err := n.InitiateFileTransfer("f1", "a.bin", size, 0, nil, "", 0)
	if err != nil || transfer == nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(transfer.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(transfer.Chunks))
	}
	result := n.ProcessChunkTransfer("f1", 0, "src", 0, 1_000_000)
	if !result.Success {
		t.Fatalf("process chunk transfer should succeed")
	}
	if !n.FinalizeChunkCommit("f1", 0, result.CompletionTime) {
		t.Fatalf("finalize should succeed")
	}
	stored := n.StoredFiles()
	st, ok := stored["f1"]
	if !ok {
		t.Fatal("file should be stored")
	}
	if st.Status != TransferCompleted {
		t.Fatalf("status = %v, want Completed", st.Status)
	}
	if n.TotalRequestsProcessed != 1 {
		t.Fatalf("requests processed = %d, want 1", n.TotalRequestsProcessed)
	}
}

func TestAbortTransferReleasesDiskReservation(t *testing.T) {
	n := newTestNode(t)
	size := int64(1024 * 1024)
	_, err := n.InitiateFileTransfer("f1", "a.bin", size, 0, nil, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n.Disk.ReservedBytes() == 0 {
		t.Fatal("expected reserved bytes after initiate")
	}
	n.AbortTransfer("f1")
	if n.Disk.ReservedBytes() != 0 {
		t.Fatalf("reserved bytes = %d, want 0 after abort", n.Disk.ReservedBytes())
	}
	if n.FailedTransfers != 1 {
		t.Fatalf("failed transfers = %d, want 1", n.FailedTransfers)
	}
}

func TestStoreLocalFileSynchronously(t *testing.T) {
	n := newTestNode(t)
	transfer, err := n.StoreLocalFile("local.bin", 256*1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	if transfer == nil || transfer.Status != TransferCompleted {
		t.Fatalf("transfer = %+v", transfer)
	}
	if n.TotalDataTransferred != 256*1024 {
		t.Fatalf("total transferred = %d", n.TotalDataTransferred)
	}
}

func TestRetrieveFileMirrorsStoredChunks(t *testing.T) {
	n := newTestNode(t)
	transfer, err := n.StoreLocalFile("local.bin", 256*1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	retr := n.RetrieveFile(transfer.FileID, "n2", 1.0)
	if retr == nil {
		t.Fatal("retrieve should succeed for stored file")
	}
	if !retr.IsRetrieval || retr.BackingFileID != transfer.FileID {
		t.Fatalf("retrieval transfer malformed: %+v", retr)
	}
	if len(retr.Chunks) != len(transfer.Chunks) {
		t.Fatalf("chunk count mismatch: %d vs %d", len(retr.Chunks), len(transfer.Chunks))
	}
}

func TestCloneScalesResources(t *testing.T) {
	n := newTestNode(t)
	replica, err := n.Clone("n1-replica", 0.5, 2.0, "")
	if err != nil {
		t.Fatal(err)
	}
	if replica.Zone != n.Zone {
		t.Fatalf("zone = %q, want %q", replica.Zone, n.Zone)
	}
	if replica.TotalStorageBytes >= n.TotalStorageBytes {
		t.Fatalf("replica storage should have shrunk: %d vs %d", replica.TotalStorageBytes, n.TotalStorageBytes)
	}
	if replica.BandwidthBps <= n.BandwidthBps {
		t.Fatalf("replica bandwidth should have grown: %d vs %d", replica.BandwidthBps, n.BandwidthBps)
	}
}

func TestStartAndCompleteChunkTransmission(t *testing.T) {
	n := newTestNode(t)
	pid, ok := n.StartChunkTransmission(64 * 1024)
	if !ok {
		t.Fatal("start transmission should succeed")
	}
	n.CompleteChunkTransmission(pid)
	if n.OSProcessFailures != 0 {
		t.Fatalf("unexpected OS process failures: %d", n.OSProcessFailures)
	}
}

func TestScheduleAndDrainBackgroundJobs(t *testing.T) {
	n := newTestNode(t)
	ran := false
	pid, ok := n.ScheduleBackgroundJob("scrub", 0.01, 1024, func() error { ran = true; return nil })
	if !ok {
		t.Fatal("schedule should succeed")
	}
	_ = pid
	n.DrainBackgroundJobs()
	if !ran {
		t.Fatal("background job should have run")
	}
}
