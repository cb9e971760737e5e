package vdisk

import (
	"bytes"
	"errors"
	"testing"
)

func newTestDisk(t *testing.T) *Disk {
	t.Helper()
	d, err := New(1<<20, DefaultIOProfile())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestReserveFileAccountsReservedBytes(t *testing.T) {
	d := newTestDisk(t)
	ok, err := d.ReserveFile("f1", 1024, "/a/b.bin")
	if err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if d.ReservedBytes() != 1024 {
		t.Fatalf("reserved = %d, want 1024", d.ReservedBytes())
	}
	if d.FreeBytes() != (1<<20)-1024 {
		t.Fatalf("free = %d", d.FreeBytes())
	}
}

func TestReserveFileRejectsOverCapacity(t *testing.T) {
	d := newTestDisk(t)
	ok, err := d.ReserveFile("f1", 1<<21, "/a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("reservation should have failed over capacity")
	}
}

func TestReserveFileDuplicateRejected(t *testing.T) {
	d := newTestDisk(t)
	if ok, err := d.ReserveFile("f1", 100, "/a"); err != nil || !ok {
		t.Fatalf("first reserve failed: %v %v", ok, err)
	}
	if _, err := d.ReserveFile("f1", 100, "/a"); err != ErrDuplicate {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}
}

func TestWriteChunkMovesReservedToUsed(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 10, "/a"); err != nil {
		t.Fatal(err)
	}
	payload := []byte("0123456789")
	if err := d.WriteChunk("f1", 0, payload, 10); err != nil {
		t.Fatalf("write: %v", err)
	}
	if d.UsedBytes() != 10 || d.ReservedBytes() != 0 {
		t.Fatalf("used=%d reserved=%d", d.UsedBytes(), d.ReservedBytes())
	}
	got, err := d.ReadChunk("f1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestCommitMoreThanReservedFails(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 5, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteChunk("f1", 0, make([]byte, 10), 10); err != ErrInvalidArgument && err == nil {
		t.Fatalf("expected over-commit to be rejected, got nil")
	}
}

func TestScheduleWriteThenCompleteWrite(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 10, "/a"); err != nil {
		t.Fatal(err)
	}
	ticket, err := d.ScheduleWrite("f1", 0, 10, 0)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ticket.CompletionTime <= 0 {
		t.Fatalf("completion time should account for seek+transfer, got %v", ticket.CompletionTime)
	}
	payload := make([]byte, 10)
	if err := d.CompleteWrite(ticket, payload); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if d.UsedBytes() != 10 {
		t.Fatalf("used = %d", d.UsedBytes())
	}
}

func TestChannelTieBreakRoundRobinsAcrossChannels(t *testing.T) {
	profile := DefaultIOProfile()
	profile.MaxOutstanding = 2
	d, err := New(1<<20, profile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.ReserveFile("f1", 30, "/a"); err != nil {
		t.Fatal(err)
	}
	t1, err := d.ScheduleWrite("f1", 0, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := d.ScheduleWrite("f1", 1, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Both start from idle channels at time 0, so their completion times
	// should be identical (parallel channels), not serialized.
	if t1.CompletionTime != t2.CompletionTime {
		t.Fatalf("expected parallel channel completion, got %v vs %v", t1.CompletionTime, t2.CompletionTime)
	}
	t3, err := d.ScheduleWrite("f1", 2, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if t3.CompletionTime <= t1.CompletionTime {
		t.Fatalf("third ticket should queue behind a busy channel, got %v", t3.CompletionTime)
	}
}

func TestInjectCorruptionThenReadFails(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 4, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteChunk("f1", 0, []byte("abcd"), 4); err != nil {
		t.Fatal(err)
	}
	if err := d.InjectCorruption("f1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.ReadChunk("f1", 0); !errors.Is(err, ErrCorruption) {
		t.Fatalf("got %v, want ErrCorruption", err)
	}
}

func TestRecoverChunkClearsCorruption(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 4, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteChunk("f1", 0, []byte("abcd"), 4); err != nil {
		t.Fatal(err)
	}
	if err := d.InjectCorruption("f1", 0); err != nil {
		t.Fatal(err)
	}
	if err := d.RecoverChunk("f1", 0, []byte("abcd")); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadChunk("f1", 0)
	if err != nil {
		t.Fatalf("read after recovery: %v", err)
	}
	if string(got) != "abcd" {
		t.Fatalf("got %q", got)
	}
}

func TestReleaseFileReclaimsReservedAndUsed(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 20, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteChunk("f1", 0, make([]byte, 10), 10); err != nil {
		t.Fatal(err)
	}
	d.ReleaseFile("f1")
	if d.UsedBytes() != 0 || d.ReservedBytes() != 0 {
		t.Fatalf("used=%d reserved=%d, want 0,0", d.UsedBytes(), d.ReservedBytes())
	}
}

func TestReadFileConcatenatesChunksInOrder(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 6, "/a"); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteChunk("f1", 1, []byte("def"), 3); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteChunk("f1", 0, []byte("abc"), 3); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadFile("f1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want abcdef", got)
	}
}

func TestListDirectoryTracksReservedFiles(t *testing.T) {
	d := newTestDisk(t)
	if _, err := d.ReserveFile("f1", 10, "/dir/a.bin"); err != nil {
		t.Fatal(err)
	}
	children := d.ListDirectory("/dir")
	if len(children) != 1 || children[0] != "a.bin" {
		t.Fatalf("got %v", children)
	}
}
