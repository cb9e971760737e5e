// Package durability layers checksums, an encryption envelope, and
// erasure-coding shard-layout validation onto manifests, grounded on
// original_source/cloud_drive/services/durability_service.py's
// DurabilityManager.
package durability

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/control/telemetry"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
)

// Archiver optionally mirrors a cold-tier segment's bytes to a durable
// external store. Apply calls it once per cold segment after tiering and
// encryption are settled; a nil Archiver (the default) means cold-tier
// demotion only rewrites storage_tier in the manifest, matching original
// behavior.
type Archiver interface {
	Archive(manifest *metadata.FileManifest, segment metadata.ManifestSegment) error
}

// Manager applies the durability pipeline: checksums, encryption
// envelope, then erasure-coding parity, in that order.
type Manager struct {
	net      *network.Network
	tel      *telemetry.Collector
	policy   config.DurabilityPolicy
	coldTier string
	archiver Archiver
}

// New builds a Manager. archiver may be nil. coldStorageTier names the
// storage_tier value that marks a segment eligible for archive mirroring
// (normally config.LifecyclePolicy.ColdStorageTier).
func New(net *network.Network, tel *telemetry.Collector, policy config.DurabilityPolicy, coldStorageTier string, archiver Archiver) *Manager {
	if coldStorageTier == "" {
		coldStorageTier = "cold"
	}
	return &Manager{net: net, tel: tel, policy: policy, coldTier: coldStorageTier, archiver: archiver}
}

func (m *Manager) emit(eventType, manifestID string) {
	if m.tel != nil {
		m.tel.EmitEvent(eventType, map[string]string{"manifest_id": manifestID})
	}
}

// Apply runs checksums, encryption, and erasure coding over manifest in
// sequence, then mirrors any cold-tier segments through the configured
// Archiver.
func (m *Manager) Apply(manifest *metadata.FileManifest, actor string) (*metadata.FileManifest, error) {
	manifest = m.ensureChecksums(manifest)
	var err error
	manifest, err = m.ensureEncryption(manifest, actor)
	if err != nil {
		return nil, err
	}
	manifest, err = m.ensureErasureCoding(manifest)
	if err != nil {
		return nil, err
	}
	if m.archiver != nil {
		for _, seg := range manifest.Segments {
			if seg.StorageTier != m.coldTier {
				continue
			}
			if err := m.archiver.Archive(manifest, seg); err != nil {
				return nil, errors.Wrapf(err, "durability: archiving segment %q", seg.FileID)
			}
		}
	}
	m.emit("durability_applied", manifest.ManifestID)
	return manifest, nil
}

func (m *Manager) ensureChecksums(manifest *metadata.FileManifest) *metadata.FileManifest {
	if !m.policy.EnableChecksums {
		return manifest
	}
	for i := range manifest.Segments {
		seg := &manifest.Segments[i]
		if seg.Checksum != "" {
			continue
		}
		seg.Checksum = checksumForSegment(*seg)
	}
	dataFragments, parityFragments := countFragments(manifest.Segments)
	if manifest.Durability != nil {
		manifest.Durability.ChecksumAlgorithm = "md5"
	} else {
		manifest.Durability = &metadata.DurabilityMetadata{
			DataFragments: dataFragments, ParityFragments: parityFragments,
			ChecksumAlgorithm: "md5", EncryptionAlgorithm: encryptionAlgorithmOf(manifest),
		}
	}
	return manifest
}

// ensureEncryption derives a deterministic DEK from the configured KEK id
// via HKDF-SHA256 seeded with manifest_id, instead of a random token, so
// re-deriving encryption state for the same manifest is repeatable.
func (m *Manager) ensureEncryption(manifest *metadata.FileManifest, actor string) (*metadata.FileManifest, error) {
	if m.policy.EncryptionAlgorithm == "" || manifest.Encryption != nil {
		return manifest, nil
	}
	dek, err := deriveDEK(m.policy.KMSKeyID, manifest.ManifestID)
	if err != nil {
		return nil, errors.Wrap(err, "durability: deriving data encryption key")
	}
	manifest.Encryption = &metadata.EncryptionEnvelope{
		Algorithm: m.policy.EncryptionAlgorithm,
		KEKID:     m.policy.KMSKeyID,
		DEKID:     fmt.Sprintf("dek-%s-%s", manifest.ManifestID, dek),
	}
	return manifest, nil
}

func deriveDEK(kekID, manifestID string) (string, error) {
	reader := hkdf.New(sha256.New, []byte(kekID), []byte(manifestID), []byte("fabricsim-dek"))
	derived := make([]byte, 16)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return "", err
	}
	return hex.EncodeToString(derived), nil
}

// ensureErasureCoding allocates parity segments once a manifest's total
// size crosses erasure_min_object_bytes, validating the (data, parity)
// shard layout is constructible via reedsolomon before placing segments.
// Per the cryptographic-correctness non-goal, fragments are metadata-only:
// no bytes are actually erasure-encoded.
func (m *Manager) ensureErasureCoding(manifest *metadata.FileManifest) (*metadata.FileManifest, error) {
	if !m.policy.EnableErasureCoding || manifest.TotalSize < m.policy.ErasureMinObjectBytes {
		return manifest, nil
	}
	dataFragments := max(1, m.policy.ErasureDataFragments)
	existingParity := countParity(manifest.Segments)
	if existingParity >= m.policy.ErasureParityFragments {
		return manifest, nil
	}
	if _, err := reedsolomon.New(dataFragments, max(1, m.policy.ErasureParityFragments)); err != nil {
		return nil, errors.Wrap(err, "durability: erasure shard layout is not constructible")
	}

	parityNeeded := m.policy.ErasureParityFragments - existingParity
	paritySize := manifest.TotalSize / int64(dataFragments)
	if paritySize < 1 {
		paritySize = 1
	}
	currentNodes := nodeSet(manifest.Segments)
	for i := 0; i < parityNeeded; i++ {
		parityNode, ok := m.selectParityNode(currentNodes)
		if !ok {
			break
		}
		target, ok := m.net.Node(parityNode)
		if !ok {
			continue
		}
		fileName := fmt.Sprintf("ec-%s-%d", manifest.FileID, i)
		transfer, err := target.StoreLocalFile(fileName, paritySize, m.net.Sim.Now())
		if err != nil {
			return nil, errors.Wrap(err, "durability: reserving parity shard")
		}
		if transfer == nil {
			continue
		}
		zone := ""
		if n, ok := m.net.Node(parityNode); ok {
			zone = n.Zone
		}
		manifest.Segments = append(manifest.Segments, metadata.ManifestSegment{
			NodeID: parityNode, FileID: transfer.FileID, Offset: manifest.TotalSize, Length: paritySize,
			Checksum: checksumForID(transfer.FileID), StorageTier: "parity", Zone: zone, Encrypted: true,
		})
		currentNodes[parityNode] = true
	}

	manifest.Durability = &metadata.DurabilityMetadata{
		DataFragments: dataFragments, ParityFragments: countParity(manifest.Segments),
		ChecksumAlgorithm: checksumAlgorithmOf(manifest), EncryptionAlgorithm: encryptionAlgorithmOf(manifest),
	}
	return manifest, nil
}

func (m *Manager) selectParityNode(exclude map[string]bool) (string, bool) {
	ids := m.net.NodeIDs()
	sort.Strings(ids)
	best, bestFree := "", int64(-1)
	for _, id := range ids {
		if exclude[id] || m.net.IsNodeFailed(id) {
			continue
		}
		n, ok := m.net.Node(id)
		if !ok {
			continue
		}
		free := n.FreeStorage()
		if free > bestFree && free > 0 {
			bestFree = free
			best = id
		}
	}
	return best, best != ""
}

func checksumForSegment(seg metadata.ManifestSegment) string {
	payload := fmt.Sprintf("%s:%s:%d:%d", seg.NodeID, seg.FileID, seg.Offset, seg.Length)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func checksumForID(fileID string) string {
	sum := md5.Sum([]byte(fileID))
	return hex.EncodeToString(sum[:])
}

func countFragments(segments []metadata.ManifestSegment) (data, parity int) {
	for _, s := range segments {
		if s.StorageTier == "parity" {
			parity++
		} else {
			data++
		}
	}
	return data, parity
}

func countParity(segments []metadata.ManifestSegment) int {
	n := 0
	for _, s := range segments {
		if s.StorageTier == "parity" {
			n++
		}
	}
	return n
}

func nodeSet(segments []metadata.ManifestSegment) map[string]bool {
	out := make(map[string]bool, len(segments))
	for _, s := range segments {
		out[s.NodeID] = true
	}
	return out
}

func encryptionAlgorithmOf(manifest *metadata.FileManifest) string {
	if manifest.Encryption == nil {
		return ""
	}
	return manifest.Encryption.Algorithm
}

func checksumAlgorithmOf(manifest *metadata.FileManifest) string {
	if manifest.Durability == nil {
		return ""
	}
	return manifest.Durability.ChecksumAlgorithm
}

