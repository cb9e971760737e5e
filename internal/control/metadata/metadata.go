// Package metadata is the embedded system-of-record for files, manifests,
// and versions, grounded on
// original_source/cloud_drive/services/metadata_service.py.
package metadata

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/cloudfabric/fabricsim/internal/control/bus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Org mirrors models.Org.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
}

// FileEntry mirrors models.FileEntry.
type FileEntry struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum,omitempty"`
	IsFolder  bool      `json:"is_folder"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string    `json:"deleted_by,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
}

// EncryptionEnvelope mirrors models.EncryptionEnvelope.
type EncryptionEnvelope struct {
	Algorithm     string    `json:"algorithm"`
	KEKID         string    `json:"kek_id"`
	DEKID         string    `json:"dek_id"`
	LastRotatedAt time.Time `json:"last_rotated_at"`
}

// DurabilityMetadata mirrors models.DurabilityMetadata.
type DurabilityMetadata struct {
	DataFragments       int    `json:"data_fragments"`
	ParityFragments     int    `json:"parity_fragments"`
	ChecksumAlgorithm   string `json:"checksum_algorithm,omitempty"`
	EncryptionAlgorithm string `json:"encryption_algorithm,omitempty"`
}

// ManifestSegment mirrors models.ManifestSegment.
type ManifestSegment struct {
	NodeID      string `json:"node_id"`
	FileID      string `json:"file_id"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	Checksum    string `json:"checksum,omitempty"`
	StorageTier string `json:"storage_tier"`
	Zone        string `json:"zone,omitempty"`
	Encrypted   bool   `json:"encrypted"`
}

// FileManifest mirrors models.FileManifest.
type FileManifest struct {
	ManifestID string              `json:"manifest_id"`
	FileID     string              `json:"file_id"`
	TotalSize  int64               `json:"total_size"`
	Segments   []ManifestSegment   `json:"segments"`
	Encryption *EncryptionEnvelope `json:"encryption,omitempty"`
	Durability *DurabilityMetadata `json:"durability,omitempty"`
}

// FileVersion mirrors models.FileVersion.
type FileVersion struct {
	VersionID       string    `json:"version_id"`
	FileID          string    `json:"file_id"`
	ManifestID      string    `json:"manifest_id"`
	VersionNumber   int       `json:"version_number"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	SizeBytes       int64     `json:"size_bytes"`
	ParentVersionID string    `json:"parent_version_id,omitempty"`
	ChangeSummary   string    `json:"change_summary,omitempty"`
	Autosave        bool      `json:"autosave"`
	IsPinned        bool      `json:"is_pinned"`
	Label           string    `json:"label,omitempty"`
}

// Store is the embedded KV-backed metadata service. Its record shapes and
// operation set follow MetadataService; buntdb supplies the persistence
// that the original stood in for with ad-hoc pickle snapshots.
type Store struct {
	db    *buntdb.DB
	bus   *bus.Bus
	clock func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBus attaches an event bus; every mutation publishes to
// bus.TopicActivityEvents, matching BaseService.emit_event.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock overrides the store's notion of "now", for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Open opens a buntdb-backed store at path, or an in-memory store when
// path is empty.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "metadata: opening store")
	}
	s := &Store{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time { return s.clock() }

func (s *Store) emit(eventType, fileID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Envelope{
		Topic:   bus.TopicActivityEvents,
		Payload: map[string]any{"event": eventType, "file_id": fileID},
	})
}

const (
	fileKeyPrefix            = "file:"
	manifestKeyPrefix        = "manifest:"
	currentManifestKeyPrefix = "current_manifest:"
	versionKeyPrefix         = "version:"
)

func fileKey(id string) string     { return fileKeyPrefix + id }
func manifestKey(id string) string { return manifestKeyPrefix + id }
func currentManifestKey(fileID string) string {
	return currentManifestKeyPrefix + fileID
}
func versionKey(fileID string, seq int) string {
	return fmt.Sprintf("%s%s:%010d", versionKeyPrefix, fileID, seq)
}
func versionKeyPrefixFor(fileID string) string {
	return fmt.Sprintf("%s%s:", versionKeyPrefix, fileID)
}

func putJSON(tx *buntdb.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "metadata: encoding record")
	}
	_, _, err = tx.Set(key, string(data), nil)
	return err
}

func getJSON(tx *buntdb.Tx, key string, v any) error {
	raw, err := tx.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// CreateFolder creates a synthetic zero-size folder FileEntry.
func (s *Store) CreateFolder(orgID, parentID, name, createdBy string) (*FileEntry, error) {
	now := s.now()
	entry := &FileEntry{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		ParentID:  parentID,
		Name:      name,
		MimeType:  "application/vnd.dir",
		IsFolder:  true,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		return putJSON(tx, fileKey(entry.ID), entry)
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: create folder")
	}
	s.emit("folder_created", entry.ID)
	return entry, nil
}

// EnsureFileEntryParams holds EnsureFileEntry's keyword arguments.
type EnsureFileEntryParams struct {
	FileID    string
	OrgID     string
	ParentID  string
	Name      string
	MimeType  string
	SizeBytes int64
	CreatedBy string
	Checksum  string
}

// EnsureFileEntry creates a FileEntry if absent, or updates its size,
// checksum, and timestamps in place otherwise, un-deleting it.
func (s *Store) EnsureFileEntry(p EnsureFileEntryParams) (*FileEntry, error) {
	now := s.now()
	var entry FileEntry
	created := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		err := getJSON(tx, fileKey(p.FileID), &entry)
		switch {
		case err == buntdb.ErrNotFound:
			created = true
			entry = FileEntry{
				ID:        p.FileID,
				OrgID:     p.OrgID,
				ParentID:  p.ParentID,
				Name:      p.Name,
				MimeType:  p.MimeType,
				SizeBytes: p.SizeBytes,
				Checksum:  p.Checksum,
				CreatedBy: p.CreatedBy,
				CreatedAt: now,
				UpdatedAt: now,
			}
		case err != nil:
			return err
		default:
			entry.SizeBytes = p.SizeBytes
			entry.Checksum = p.Checksum
			entry.UpdatedAt = now
			if p.Name != "" {
				entry.Name = p.Name
			}
			if p.ParentID != "" {
				entry.ParentID = p.ParentID
			}
			if p.MimeType != "" {
				entry.MimeType = p.MimeType
			}
			entry.DeletedAt = nil
			entry.DeletedBy = ""
		}
		return putJSON(tx, fileKey(entry.ID), &entry)
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: ensure file entry")
	}
	if created {
		s.emit("file_created", entry.ID)
	}
	return &entry, nil
}

// GetFile returns a FileEntry, nil if absent or (unless includeDeleted)
// trashed.
func (s *Store) GetFile(fileID string, includeDeleted bool) (*FileEntry, error) {
	var entry FileEntry
	err := s.db.View(func(tx *buntdb.Tx) error { return getJSON(tx, fileKey(fileID), &entry) })
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "metadata: get file")
	}
	if entry.DeletedAt != nil && !includeDeleted {
		return nil, nil
	}
	return &entry, nil
}

func (s *Store) allFiles() ([]*FileEntry, error) {
	var out []*FileEntry
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(fileKeyPrefix+"*", func(key, value string) bool {
			var entry FileEntry
			if json.Unmarshal([]byte(value), &entry) == nil {
				out = append(out, &entry)
			}
			return true
		})
	})
	return out, err
}

// ListChildren returns non-deleted direct children of parentID.
func (s *Store) ListChildren(parentID string) ([]*FileEntry, error) {
	all, err := s.allFiles()
	if err != nil {
		return nil, err
	}
	var out []*FileEntry
	for _, e := range all {
		if e.ParentID == parentID && e.DeletedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListRecentFiles returns the most recently updated files, newest first.
func (s *Store) ListRecentFiles(limit int, includeFolders bool, orgID string) ([]*FileEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	all, err := s.allFiles()
	if err != nil {
		return nil, err
	}
	var candidates []*FileEntry
	for _, e := range all {
		if e.DeletedAt != nil {
			continue
		}
		if !includeFolders && e.IsFolder {
			continue
		}
		if orgID != "" && e.OrgID != orgID {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// ListAllFiles returns non-deleted files ordered by lowercase name, then
// updated_at.
func (s *Store) ListAllFiles(includeFolders bool, orgID string) ([]*FileEntry, error) {
	all, err := s.allFiles()
	if err != nil {
		return nil, err
	}
	var out []*FileEntry
	for _, e := range all {
		if e.DeletedAt != nil {
			continue
		}
		if !includeFolders && e.IsFolder {
			continue
		}
		if orgID != "" && e.OrgID != orgID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// RegisterManifest stores manifest and makes it the current manifest for
// its file.
func (s *Store) RegisterManifest(m *FileManifest) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := putJSON(tx, manifestKey(m.ManifestID), m); err != nil {
			return err
		}
		_, _, err := tx.Set(currentManifestKey(m.FileID), m.ManifestID, nil)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "metadata: register manifest")
	}
	s.emit("manifest_registered", m.FileID)
	return nil
}

// UpsertManifest overwrites an existing manifest and keeps the pointer in
// sync; semantically identical to RegisterManifest, the original keeps it
// a distinct method and emits a distinct event.
func (s *Store) UpsertManifest(m *FileManifest) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := putJSON(tx, manifestKey(m.ManifestID), m); err != nil {
			return err
		}
		_, _, err := tx.Set(currentManifestKey(m.FileID), m.ManifestID, nil)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "metadata: upsert manifest")
	}
	s.emit("manifest_updated", m.FileID)
	return nil
}

// GetManifest returns the current manifest for fileID, nil if none.
func (s *Store) GetManifest(fileID string) (*FileManifest, error) {
	var manifestID string
	var manifest FileManifest
	err := s.db.View(func(tx *buntdb.Tx) error {
		id, err := tx.Get(currentManifestKey(fileID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		manifestID = id
		return getJSON(tx, manifestKey(id), &manifest)
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: get manifest")
	}
	if manifestID == "" {
		return nil, nil
	}
	return &manifest, nil
}

// ListManifests returns every stored manifest.
func (s *Store) ListManifests() ([]*FileManifest, error) {
	var out []*FileManifest
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(manifestKeyPrefix+"*", func(key, value string) bool {
			var m FileManifest
			if json.Unmarshal([]byte(value), &m) == nil {
				out = append(out, &m)
			}
			return true
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: list manifests")
	}
	return out, nil
}

// SnapshotStats reports coarse record counts.
func (s *Store) SnapshotStats() (map[string]int, error) {
	files, err := s.allFiles()
	if err != nil {
		return nil, err
	}
	manifests, err := s.ListManifests()
	if err != nil {
		return nil, err
	}
	return map[string]int{"files": len(files), "manifests": len(manifests)}, nil
}

// RecordVersionParams holds RecordVersion's keyword arguments.
type RecordVersionParams struct {
	FileID        string
	ManifestID    string
	SizeBytes     int64
	Actor         string
	ChangeSummary string
	Autosave      bool
	IsPinned      bool
	Label         string
}

// RecordVersion appends a new FileVersion, chaining it off the file's
// latest version if one exists.
func (s *Store) RecordVersion(p RecordVersionParams) (*FileVersion, error) {
	var version FileVersion
	err := s.db.Update(func(tx *buntdb.Tx) error {
		existing, err := versionsForTx(tx, p.FileID)
		if err != nil {
			return err
		}
		versionNumber := 1
		parentID := ""
		if len(existing) > 0 {
			last := existing[len(existing)-1]
			versionNumber = last.VersionNumber + 1
			parentID = last.VersionID
		}
		version = FileVersion{
			VersionID:       uuid.New().String(),
			FileID:          p.FileID,
			ManifestID:      p.ManifestID,
			VersionNumber:   versionNumber,
			CreatedBy:       p.Actor,
			CreatedAt:       s.now(),
			SizeBytes:       p.SizeBytes,
			ParentVersionID: parentID,
			ChangeSummary:   p.ChangeSummary,
			Autosave:        p.Autosave,
			IsPinned:        p.IsPinned,
			Label:           p.Label,
		}
		return putJSON(tx, versionKey(p.FileID, versionNumber), &version)
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: record version")
	}
	s.emit("file_version_created", p.FileID)
	return &version, nil
}

func versionsForTx(tx *buntdb.Tx, fileID string) ([]*FileVersion, error) {
	var out []*FileVersion
	err := tx.AscendKeys(versionKeyPrefixFor(fileID)+"*", func(key, value string) bool {
		var v FileVersion
		if json.Unmarshal([]byte(value), &v) == nil {
			out = append(out, &v)
		}
		return true
	})
	return out, err
}

// ListVersions returns fileID's versions newest-first.
func (s *Store) ListVersions(fileID string) ([]*FileVersion, error) {
	var out []*FileVersion
	err := s.db.View(func(tx *buntdb.Tx) error {
		versions, err := versionsForTx(tx, fileID)
		out = versions
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: list versions")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

// GetVersion returns a specific version, nil if absent.
func (s *Store) GetVersion(fileID, versionID string) (*FileVersion, error) {
	versions, err := s.ListVersions(fileID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return nil, nil
}

// RestoreVersion points fileID's current manifest back at an older
// version's manifest and records that as a new version.
func (s *Store) RestoreVersion(fileID, versionID, actor string) (*FileVersion, error) {
	target, err := s.GetVersion(fileID, versionID)
	if err != nil || target == nil {
		return nil, err
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(currentManifestKey(fileID), target.ManifestID, nil)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: restore version")
	}
	restored, err := s.RecordVersion(RecordVersionParams{
		FileID:        fileID,
		ManifestID:    target.ManifestID,
		SizeBytes:     target.SizeBytes,
		Actor:         actor,
		ChangeSummary: "restore:" + versionID,
	})
	if err != nil {
		return nil, err
	}
	s.emit("file_version_restored", fileID)
	return restored, nil
}

// UpdateVersionMetadataParams holds the optional fields UpdateVersionMetadata
// may change; a nil pointer leaves that field untouched.
type UpdateVersionMetadataParams struct {
	Label         *string
	IsPinned      *bool
	Autosave      *bool
	ChangeSummary *string
}

// UpdateVersionMetadata patches a version's label/pin/autosave/summary
// fields in place.
func (s *Store) UpdateVersionMetadata(fileID, versionID string, p UpdateVersionMetadataParams) (*FileVersion, error) {
	var updated *FileVersion
	err := s.db.Update(func(tx *buntdb.Tx) error {
		versions, err := versionsForTx(tx, fileID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v.VersionID != versionID {
				continue
			}
			if p.Label != nil {
				v.Label = *p.Label
			}
			if p.IsPinned != nil {
				v.IsPinned = *p.IsPinned
			}
			if p.Autosave != nil {
				v.Autosave = *p.Autosave
			}
			if p.ChangeSummary != nil {
				v.ChangeSummary = *p.ChangeSummary
			}
			if err := putJSON(tx, versionKey(fileID, v.VersionNumber), v); err != nil {
				return err
			}
			updated = v
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: update version metadata")
	}
	if updated != nil {
		s.emit("file_version_metadata_updated", fileID)
	}
	return updated, nil
}

// DeleteFile soft-deletes a file into the trash.
func (s *Store) DeleteFile(fileID, actor string) (*FileEntry, error) {
	var entry FileEntry
	trashed := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := getJSON(tx, fileKey(fileID), &entry); err != nil {
			return err
		}
		if entry.DeletedAt == nil {
			now := s.now()
			entry.DeletedAt = &now
			entry.DeletedBy = actor
			trashed = true
			return putJSON(tx, fileKey(fileID), &entry)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: delete file")
	}
	if trashed {
		s.emit("file_trashed", fileID)
	}
	return &entry, nil
}

// ListTrashed returns trashed files, most recently deleted first.
func (s *Store) ListTrashed(orgID string) ([]*FileEntry, error) {
	all, err := s.allFiles()
	if err != nil {
		return nil, err
	}
	var out []*FileEntry
	for _, e := range all {
		if e.DeletedAt == nil {
			continue
		}
		if orgID != "" && e.OrgID != orgID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.After(*out[j].DeletedAt) })
	return out, nil
}

// RestoreFile clears a file's trashed state, optionally reparenting it.
func (s *Store) RestoreFile(fileID, actor, targetParent string) (*FileEntry, error) {
	var entry FileEntry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := getJSON(tx, fileKey(fileID), &entry); err != nil {
			return err
		}
		entry.DeletedAt = nil
		entry.DeletedBy = ""
		if targetParent != "" {
			entry.ParentID = targetParent
		}
		entry.UpdatedAt = s.now()
		return putJSON(tx, fileKey(fileID), &entry)
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: restore file")
	}
	s.emit("file_restored", fileID)
	return &entry, nil
}

// PurgeExpiredTrash removes files trashed before the retention cutoff,
// along with their versions and manifests, and returns their ids.
func (s *Store) PurgeExpiredTrash(retentionDays int) ([]string, error) {
	if retentionDays <= 0 {
		return nil, nil
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	var removed []string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		all, err := allFilesTx(tx)
		if err != nil {
			return err
		}
		for _, entry := range all {
			if entry.DeletedAt == nil || !entry.DeletedAt.Before(cutoff) {
				continue
			}
			removed = append(removed, entry.ID)
			if _, err := tx.Delete(fileKey(entry.ID)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			if _, err := tx.Delete(currentManifestKey(entry.ID)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
			var toDeleteVersions []string
			_ = tx.AscendKeys(versionKeyPrefixFor(entry.ID)+"*", func(key, value string) bool {
				toDeleteVersions = append(toDeleteVersions, key)
				return true
			})
			for _, key := range toDeleteVersions {
				if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
					return err
				}
			}
			var toDeleteManifests []string
			_ = tx.AscendKeys(manifestKeyPrefix+"*", func(key, value string) bool {
				var m FileManifest
				if json.Unmarshal([]byte(value), &m) == nil && m.FileID == entry.ID {
					toDeleteManifests = append(toDeleteManifests, key)
				}
				return true
			})
			for _, key := range toDeleteManifests {
				if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "metadata: purge expired trash")
	}
	if len(removed) > 0 {
		s.emit("trash_purged", strings.Join(removed, "|"))
	}
	return removed, nil
}

func allFilesTx(tx *buntdb.Tx) ([]*FileEntry, error) {
	var out []*FileEntry
	err := tx.AscendKeys(fileKeyPrefix+"*", func(key, value string) bool {
		var entry FileEntry
		if json.Unmarshal([]byte(value), &entry) == nil {
			out = append(out, &entry)
		}
		return true
	})
	return out, err
}
