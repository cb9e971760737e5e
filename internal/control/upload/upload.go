// Package upload implements the resumable upload session state machine,
// grounded on original_source/cloud_drive/services/upload_service.py's
// UploadOrchestrator.
package upload

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cloudfabric/fabricsim/internal/control/bus"
	"github.com/cloudfabric/fabricsim/internal/control/config"
	"github.com/cloudfabric/fabricsim/internal/control/lifecycle"
	"github.com/cloudfabric/fabricsim/internal/control/metadata"
	"github.com/cloudfabric/fabricsim/internal/control/replica"
	"github.com/cloudfabric/fabricsim/internal/control/telemetry"
	"github.com/cloudfabric/fabricsim/internal/fabric/network"
)

// sessionTTL mirrors SESSION_TTL.
const sessionTTL = 4 * time.Hour

// DurabilityApplier is the narrow surface Finalize needs from a
// durability manager; defined here rather than importing the concrete
// package to keep upload decoupled from durability's encryption/erasure
// machinery.
type DurabilityApplier interface {
	Apply(manifest *metadata.FileManifest, actor string) (*metadata.FileManifest, error)
}

// ChunkStatus mirrors models.ChunkStatus.
type ChunkStatus struct {
	ChunkID       int
	Offset        int64
	Length        int64
	Checksum      string
	Status        string
	LastUpdatedAt time.Time
}

// Session mirrors models.UploadSession.
type Session struct {
	SessionID          string
	FileID             string
	OrgID              string
	ParentID           string
	ExpectedSize       int64
	ChunkSize          int64
	CreatedBy          string
	ExpiresAt          time.Time
	CreatedAt          time.Time
	ReceivedBytes      int64
	FileName           string
	SourceNode         string
	ManifestID         string
	MaxParallelStreams int
	Chunks             map[int]*ChunkStatus
	Status             string
	LastActivityAt     time.Time
	ClientHints        map[string]string
}

// GapEntry describes one uncommitted or partially-received chunk.
type GapEntry struct {
	ChunkID int
	Offset  int64
	Length  int64
}

// Orchestrator drives upload sessions from initiation through finalize
// into the storage fabric. replicaMgr, lifecycleMgr, and durabilityMgr
// are optional: nil skips that stage of the finalize pipeline.
type Orchestrator struct {
	net        *network.Network
	bus        *bus.Bus
	meta       *metadata.Store
	replica    *replica.Manager
	lifecycle  *lifecycle.Manager
	durability DurabilityApplier
	tel        *telemetry.Collector
	cfg        config.StorageFabricConfig
	clock      func() time.Time

	sessions map[string]*Session
}

// New builds an Orchestrator.
func New(net *network.Network, b *bus.Bus, meta *metadata.Store, replicaMgr *replica.Manager, lifecycleMgr *lifecycle.Manager, durabilityMgr DurabilityApplier, tel *telemetry.Collector, cfg config.StorageFabricConfig) *Orchestrator {
	return &Orchestrator{
		net: net, bus: b, meta: meta, replica: replicaMgr, lifecycle: lifecycleMgr,
		durability: durabilityMgr, tel: tel, cfg: cfg, clock: time.Now,
		sessions: make(map[string]*Session),
	}
}

func (o *Orchestrator) now() time.Time { return o.clock() }

func (o *Orchestrator) emitEvent(eventType string, attrs map[string]string) {
	if o.tel != nil {
		o.tel.EmitEvent(eventType, attrs)
	}
}

// InitiateSessionParams holds InitiateSession's keyword arguments.
type InitiateSessionParams struct {
	OrgID              string
	ParentID           string
	SizeBytes          int64
	CreatedBy          string
	FileID             string
	ChunkSize          int64
	ClientHints        map[string]string
	MaxParallelStreams int
}

// InitiateSession opens a new upload session with negotiated chunk size
// and parallelism.
func (o *Orchestrator) InitiateSession(p InitiateSessionParams) *Session {
	now := o.now()
	streams := p.MaxParallelStreams
	if streams == 0 {
		streams = o.suggestParallelStreams(p.SizeBytes, p.ClientHints)
	}
	session := &Session{
		SessionID:          uuid.New().String(),
		FileID:             p.FileID,
		OrgID:              p.OrgID,
		ParentID:           p.ParentID,
		ExpectedSize:       p.SizeBytes,
		ChunkSize:          o.negotiateChunkSize(p.SizeBytes, p.ChunkSize, p.ClientHints),
		CreatedBy:          p.CreatedBy,
		ExpiresAt:          now.Add(sessionTTL),
		CreatedAt:          now,
		MaxParallelStreams: streams,
		Chunks:             make(map[int]*ChunkStatus),
		Status:             "open",
		LastActivityAt:     now,
		ClientHints:        p.ClientHints,
	}
	o.sessions[session.SessionID] = session
	o.emitEvent("upload_session_initiated", map[string]string{"session_id": session.SessionID})
	return session
}

// AppendChunkParams holds AppendChunk's keyword arguments.
type AppendChunkParams struct {
	SessionID  string
	SourceNode string
	FileName   string
	ChunkBytes int64
	ChunkID    *int
	Offset     *int64
	Checksum   string
}

// AppendChunk commits one chunk into a session, idempotently: a retry of
// an already-committed chunk is a no-op, and a chunk id reused with
// different offset/length is rejected.
func (o *Orchestrator) AppendChunk(p AppendChunkParams) error {
	if p.ChunkBytes <= 0 {
		return errors.New("upload: chunk_bytes must be positive")
	}
	session, ok := o.sessions[p.SessionID]
	if !ok {
		return errors.Errorf("upload: unknown session %q", p.SessionID)
	}
	if err := o.ensureActive(session); err != nil {
		return err
	}

	chunkID := o.deriveChunkID(session, p.ChunkID, p.Offset)
	offset := int64(chunkID) * session.ChunkSize
	if p.Offset != nil {
		offset = *p.Offset
	}

	entry, exists := session.Chunks[chunkID]
	if exists && (entry.Offset != offset || entry.Length != p.ChunkBytes) {
		return errors.Errorf("upload: chunk metadata mismatch for session %s", p.SessionID)
	}
	if exists && entry.Status == "committed" {
		session.LastActivityAt = o.now()
		return nil
	}
	if !exists {
		entry = &ChunkStatus{ChunkID: chunkID, Offset: offset, Length: p.ChunkBytes, Checksum: p.Checksum, Status: "pending"}
		session.Chunks[chunkID] = entry
	}

	prevStatus := entry.Status
	entry.Status = "committed"
	entry.LastUpdatedAt = o.now()
	if prevStatus != "committed" {
		session.ReceivedBytes += entry.Length
	}

	if session.SourceNode == "" {
		session.SourceNode = p.SourceNode
	}
	if session.FileName == "" {
		session.FileName = p.FileName
	}
	session.LastActivityAt = o.now()
	if session.ReceivedBytes > session.ExpectedSize {
		return errors.New("upload: chunk exceeds negotiated upload size")
	}

	if len(o.gapMap(session)) == 0 && session.ReceivedBytes >= session.ExpectedSize {
		session.Status = "ready"
	}

	if o.bus != nil {
		o.bus.Publish(bus.Envelope{
			Topic: bus.TopicIngestRequests,
			Payload: map[string]any{
				"session_id": p.SessionID, "chunk_id": chunkID, "offset": offset, "length": p.ChunkBytes,
			},
		})
	}
	return nil
}

// Finalize materializes the session's bytes into the storage fabric, runs
// the replica/lifecycle/durability pipeline over the resulting manifest,
// and records a file version. The session must be "ready" (every chunk
// committed).
func (o *Orchestrator) Finalize(sessionID string) (*metadata.FileManifest, error) {
	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, errors.Errorf("upload: unknown session %q", sessionID)
	}
	if session.Status != "ready" {
		return nil, errors.New("upload: incomplete")
	}

	manifest, err := o.materializeManifest(session)
	if err != nil {
		return nil, err
	}
	if session.FileID != "" {
		manifest.FileID = session.FileID
	} else {
		session.FileID = manifest.FileID
	}
	if err := o.meta.RegisterManifest(manifest); err != nil {
		return nil, err
	}
	session.ManifestID = manifest.ManifestID

	name := session.FileName
	if name == "" {
		name = "object-" + session.SessionID
	}
	if _, err := o.meta.EnsureFileEntry(metadata.EnsureFileEntryParams{
		FileID: session.FileID, OrgID: session.OrgID, ParentID: session.ParentID,
		Name: name, MimeType: inferMimeType(session.FileName), SizeBytes: session.ExpectedSize,
		CreatedBy: session.CreatedBy,
	}); err != nil {
		return nil, err
	}

	if o.replica != nil {
		if manifest, err = o.replica.EnforcePolicy(manifest); err != nil {
			return nil, err
		}
	}
	if o.lifecycle != nil {
		if manifest, err = o.lifecycle.ApplyPostUpload(manifest); err != nil {
			return nil, err
		}
	}
	if o.durability != nil {
		if manifest, err = o.durability.Apply(manifest, session.CreatedBy); err != nil {
			return nil, err
		}
	}
	if err := o.meta.UpsertManifest(manifest); err != nil {
		return nil, err
	}
	if _, err := o.meta.RecordVersion(metadata.RecordVersionParams{
		FileID: session.FileID, ManifestID: manifest.ManifestID, SizeBytes: session.ExpectedSize,
		Actor: session.CreatedBy, ChangeSummary: "upload",
	}); err != nil {
		return nil, err
	}

	session.Status = "finalized"
	if o.bus != nil {
		o.bus.Publish(bus.Envelope{Topic: bus.TopicReplicationRequests, Payload: map[string]any{"session_id": sessionID}})
	}
	if o.tel != nil {
		o.tel.EmitMetric("upload_finalize", 1, map[string]string{"session_id": sessionID})
		latencyMs := o.now().Sub(session.CreatedAt).Seconds() * 1000
		if latencyMs < 0 {
			latencyMs = 0
		}
		o.tel.EmitMetric("ingest.latency_ms", latencyMs, map[string]string{"org_id": session.OrgID})
	}
	return manifest, nil
}

// Abort discards a session without finalizing it.
func (o *Orchestrator) Abort(sessionID string) {
	session, ok := o.sessions[sessionID]
	if !ok {
		return
	}
	delete(o.sessions, sessionID)
	session.Status = "aborted"
	if o.bus != nil {
		o.bus.Publish(bus.Envelope{Topic: bus.TopicUploadsExpired, Payload: map[string]any{"session_id": sessionID}})
	}
}

// DescribeSession reports a session's progress for client polling.
func (o *Orchestrator) DescribeSession(sessionID string) (map[string]any, error) {
	session, ok := o.sessions[sessionID]
	if !ok {
		return nil, errors.Errorf("upload: unknown session %q", sessionID)
	}
	gaps := o.gapMap(session)
	committed := 0
	for _, c := range session.Chunks {
		if c.Status == "committed" {
			committed++
		}
	}
	return map[string]any{
		"session_id":           session.SessionID,
		"parent_id":            session.ParentID,
		"expected_size":        session.ExpectedSize,
		"chunk_size":           session.ChunkSize,
		"max_parallel_streams": session.MaxParallelStreams,
		"received_bytes":       session.ReceivedBytes,
		"status":               session.Status,
		"expires_at":           session.ExpiresAt,
		"last_activity_at":     session.LastActivityAt,
		"total_chunks":         o.expectedChunkCount(session),
		"committed_chunks":     committed,
		"gap_map":              gaps,
		"client_hints":         session.ClientHints,
	}, nil
}

func (o *Orchestrator) materializeManifest(session *Session) (*metadata.FileManifest, error) {
	fileName := session.FileName
	if fileName == "" {
		fileName = "object-" + session.SessionID
	}
	sourceNode := session.SourceNode
	if sourceNode == "" {
		var err error
		sourceNode, err = o.defaultSourceNode()
		if err != nil {
			return nil, err
		}
	}

	fm, err := o.net.IngestFile(sourceNode, fileName, session.ExpectedSize, true, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upload: persisting into storage fabric")
	}

	hotTier := o.cfg.LifecyclePolicy.HotStorageTier
	if hotTier == "" {
		hotTier = "hot"
	}
	ordered := append([]network.FileSegment(nil), fm.Segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })
	segments := make([]metadata.ManifestSegment, len(ordered))
	for i, seg := range ordered {
		zone := ""
		if n, ok := o.net.Node(seg.NodeID); ok {
			zone = n.Zone
		}
		segments[i] = metadata.ManifestSegment{
			NodeID: seg.NodeID, FileID: seg.FileID, Offset: seg.Offset, Length: seg.Size,
			StorageTier: hotTier, Zone: zone,
		}
	}
	return &metadata.FileManifest{
		ManifestID: fm.MasterID, FileID: fm.MasterID, TotalSize: fm.TotalSize, Segments: segments,
	}, nil
}

func inferMimeType(fileName string) string {
	switch {
	case fileName == "":
		return "application/octet-stream"
	case hasSuffixFold(fileName, ".txt"):
		return "text/plain"
	case hasSuffixFold(fileName, ".jpg"), hasSuffixFold(fileName, ".jpeg"):
		return "image/jpeg"
	case hasSuffixFold(fileName, ".png"):
		return "image/png"
	case hasSuffixFold(fileName, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := range tail {
		a, b := tail[i], suffix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

func (o *Orchestrator) defaultSourceNode() (string, error) {
	ids := o.net.NodeIDs()
	if len(ids) == 0 {
		return "", errors.New("upload: no storage nodes available for persistence")
	}
	sort.Strings(ids)
	return ids[0], nil
}

func (o *Orchestrator) negotiateChunkSize(sizeBytes, requestedChunkSize int64, hints map[string]string) int64 {
	if requestedChunkSize > 0 {
		return min64(requestedChunkSize, o.cfg.MaxChunkSize)
	}
	base := o.cfg.DefaultChunkSize
	if len(hints) == 0 {
		return min64(base, sizeBytes)
	}
	if hints["network_type"] == "mobile" {
		return min64(2*1024*1024, sizeBytes)
	}
	if hints["device_class"] == "workstation" && sizeBytes >= 64*1024*1024 {
		return min64(32*1024*1024, sizeBytes)
	}
	return min64(base, sizeBytes)
}

func (o *Orchestrator) suggestParallelStreams(sizeBytes int64, hints map[string]string) int {
	if hints != nil && hints["network_type"] == "mobile" {
		return 2
	}
	if sizeBytes >= 512*1024*1024 {
		return 8
	}
	if sizeBytes >= 64*1024*1024 {
		return 4
	}
	return 2
}

func (o *Orchestrator) deriveChunkID(session *Session, chunkID *int, offset *int64) int {
	if chunkID != nil && *chunkID >= 0 {
		return *chunkID
	}
	if offset != nil && session.ChunkSize > 0 {
		return int(*offset / session.ChunkSize)
	}
	return len(session.Chunks)
}

func (o *Orchestrator) gapMap(session *Session) []GapEntry {
	chunkSize := session.ChunkSize
	if chunkSize <= 0 {
		chunkSize = o.cfg.DefaultChunkSize
	}
	totalChunks := o.expectedChunkCount(session)
	var gaps []GapEntry
	for cid := 0; cid < totalChunks; cid++ {
		if chunk, ok := session.Chunks[cid]; ok && chunk.Status == "committed" {
			continue
		}
		offset := int64(cid) * chunkSize
		remaining := session.ExpectedSize - offset
		if remaining < 0 {
			remaining = 0
		}
		length := chunkSize
		if remaining < length {
			length = remaining
		}
		gaps = append(gaps, GapEntry{ChunkID: cid, Offset: offset, Length: length})
	}
	return gaps
}

func (o *Orchestrator) expectedChunkCount(session *Session) int {
	chunkSize := session.ChunkSize
	if chunkSize <= 0 {
		chunkSize = o.cfg.DefaultChunkSize
	}
	if chunkSize <= 0 {
		return 1
	}
	count := int(math.Ceil(float64(session.ExpectedSize) / float64(chunkSize)))
	if count < 1 {
		count = 1
	}
	return count
}

func (o *Orchestrator) ensureActive(session *Session) error {
	now := o.now()
	if session.ExpiresAt.Before(now) {
		return errors.New("upload: session expired")
	}
	if extended := now.Add(30 * time.Minute); extended.After(session.ExpiresAt) {
		session.ExpiresAt = extended
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
