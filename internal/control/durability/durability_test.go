package durability

import (
	"testing"

	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
	"github.com/cloudfabric/fabricsim/internal/fabric/node"
	"github.com/cloudfabric/fabricsim/internal/simclock"
)

func mustNode(t *testing.T, id, zone string, storageGB int64) *node.Node {
	t.Helper()
	n, err := node.New(id, 2, 4, storageGB, 1000, zone)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func threeNodeNetwork(t *testing.T) *network.Network {
	t.Helper()
	sim := simclock.New(0)
	net := network.New(sim, network.LinkState)
	net.AddNode(mustNode(t, "a", "zone-a", 10))
	net.AddNode(mustNode(t, "b", "zone-b", 10))
	net.AddNode(mustNode(t, "c", "zone-c", 10))
	return net
}

func TestEnsureChecksumsFillsSegmentAndDurabilityMetadata(t *testing.T) {
	net := threeNodeNetwork(t)
	policy := config.DurabilityPolicy{EnableChecksums: true}
	mgr := New(net, nil, policy, "cold", nil)

	manifest := &metadata.FileManifest{
		ManifestID: "m1", FileID: "m1", TotalSize: 10,
		Segments: []metadata.ManifestSegment{{NodeID: "a", FileID: "m1-seg0", Offset: 0, Length: 10}},
	}
	result, err := mgr.Apply(manifest, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Segments[0].Checksum == "" {
		t.Fatal("expected segment checksum to be filled")
	}
	if result.Durability == nil || result.Durability.ChecksumAlgorithm != "md5" {
		t.Fatalf("durability metadata = %+v, want md5 checksum algorithm", result.Durability)
	}
}

func TestEnsureEncryptionIsDeterministicPerManifest(t *testing.T) {
	net := threeNodeNetwork(t)
	policy := config.DurabilityPolicy{EncryptionAlgorithm: "AES-256-GCM", KMSKeyID: "kms/default"}
	mgr := New(net, nil, policy, "cold", nil)

	manifestA := &metadata.FileManifest{ManifestID: "m1", FileID: "m1", TotalSize: 10}
	manifestB := &metadata.FileManifest{ManifestID: "m1", FileID: "m1", TotalSize: 10}

	resultA, err := mgr.Apply(manifestA, "")
	if err != nil {
		t.Fatal(err)
	}
	resultB, err := mgr.Apply(manifestB, "")
	if err != nil {
		t.Fatal(err)
	}
	if resultA.Encryption == nil || resultB.Encryption == nil {
		t.Fatal("expected both manifests to be encrypted")
	}
	if resultA.Encryption.DEKID != resultB.Encryption.DEKID {
		t.Fatalf("DEK derivation not deterministic: %q vs %q", resultA.Encryption.DEKID, resultB.Encryption.DEKID)
	}
}

func TestEnsureEncryptionSkippedWithoutAlgorithm(t *testing.T) {
	net := threeNodeNetwork(t)
	mgr := New(net, nil, config.DurabilityPolicy{}, "cold", nil)
	manifest := &metadata.FileManifest{ManifestID: "m1", FileID: "m1"}
	result, err := mgr.Apply(manifest, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Encryption != nil {
		t.Fatal("expected no encryption envelope without a configured algorithm")
	}
}

func TestEnsureErasureCodingAddsParitySegmentsAboveThreshold(t *testing.T) {
	net := threeNodeNetwork(t)
	policy := config.DurabilityPolicy{
		EnableErasureCoding: true, ErasureDataFragments: 2, ErasureParityFragments: 1,
		ErasureMinObjectBytes: 100,
	}
	mgr := New(net, nil, policy, "cold", nil)

	manifest := &metadata.FileManifest{
		ManifestID: "m1", FileID: "m1", TotalSize: 1000,
		Segments: []metadata.ManifestSegment{{NodeID: "a", FileID: "m1-seg0", Offset: 0, Length: 1000}},
	}
	result, err := mgr.Apply(manifest, "")
	if err != nil {
		t.Fatal(err)
	}
	if countParity(result.Segments) != 1 {
		t.Fatalf("expected 1 parity segment, got %d", countParity(result.Segments))
	}
	if result.Durability.ParityFragments != 1 {
		t.Fatalf("durability metadata parity fragments = %d, want 1", result.Durability.ParityFragments)
	}
}

func TestEnsureErasureCodingSkippedBelowMinObjectSize(t *testing.T) {
	net := threeNodeNetwork(t)
	policy := config.DurabilityPolicy{
		EnableErasureCoding: true, ErasureDataFragments: 2, ErasureParityFragments: 1,
		ErasureMinObjectBytes: 1 << 20,
	}
	mgr := New(net, nil, policy, "cold", nil)
	manifest := &metadata.FileManifest{ManifestID: "m1", FileID: "m1", TotalSize: 10}
	result, err := mgr.Apply(manifest, "")
	if err != nil {
		t.Fatal(err)
	}
	if countParity(result.Segments) != 0 {
		t.Fatal("expected no parity segments below the erasure size threshold")
	}
}

type recordingArchiver struct {
	archived []string
}

func (r *recordingArchiver) Archive(manifest *metadata.FileManifest, segment metadata.ManifestSegment) error {
	r.archived = append(r.archived, segment.FileID)
	return nil
}

func TestApplyMirrorsColdSegmentsThroughArchiver(t *testing.T) {
	net := threeNodeNetwork(t)
	archiver := &recordingArchiver{}
	mgr := New(net, nil, config.DurabilityPolicy{}, "cold", archiver)

	manifest := &metadata.FileManifest{
		ManifestID: "m1", FileID: "m1", TotalSize: 20,
		Segments: []metadata.ManifestSegment{
			{NodeID: "a", FileID: "hot-seg", Offset: 0, Length: 10, StorageTier: "hot"},
			{NodeID: "b", FileID: "cold-seg", Offset: 10, Length: 10, StorageTier: "cold"},
		},
	}
	if _, err := mgr.Apply(manifest, ""); err != nil {
		t.Fatal(err)
	}
	if len(archiver.archived) != 1 || archiver.archived[0] != "cold-seg" {
		t.Fatalf("archived = %v, want only the cold segment", archiver.archived)
	}
}
