// Package vdisk implements VirtualDisk (spec component C2): a
// byte-addressed blob store with async-ticketed writes/reads, reservation
// accounting, SHA-256 chunk checksums, corruption injection/recovery, and
// an optional host-filesystem-backed persistence layer.
package vdisk

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
)

// Sentinel errors, grounded on spec.md §4.2's error taxonomy.
var (
	ErrNotFound        = errors.New("vdisk: not found")
	ErrDuplicate       = errors.New("vdisk: file_id already reserved")
	ErrInvalidArgument = errors.New("vdisk: invalid argument")
	ErrCorruption      = errors.New("vdisk: checksum mismatch or corrupted chunk")
	ErrInFlight        = errors.New("vdisk: operation already in flight")
)

// IOProfile models the disk's throughput+seek characteristics. It
// deliberately does not model real disk latency beyond this single model
// (spec.md Non-goals).
type IOProfile struct {
	ThroughputBytesPerSec int64
	SeekTimeMS            float64
	MaxOutstanding        int
}

// DefaultIOProfile mirrors original_source/CloudSim/virtual_disk.py's
// DiskIOProfile defaults (~200MB/s, 2.5ms seek, 2 channels).
func DefaultIOProfile() IOProfile {
	return IOProfile{
		ThroughputBytesPerSec: 200 * 1024 * 1024,
		SeekTimeMS:            2.5,
		MaxOutstanding:        2,
	}
}

// OpType distinguishes a scheduled disk operation.
type OpType int

const (
	OpWrite OpType = iota
	OpRead
)

func (o OpType) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// IOTicket is a reservation against one of the disk's I/O channels.
type IOTicket struct {
	FileID         string
	ChunkID        int
	Op             OpType
	CompletionTime float64
	Size           int64
}

// Chunk is one committed slice of a File.
type Chunk struct {
	Size      int64
	Payload   []byte // nil when the simulator elides the payload
	Checksum  string
	Corrupted bool
}

// File tracks reservation and commit progress for one file_id.
type File struct {
	FileID        string
	TotalSize     int64
	CommittedSize int64
	Chunks        map[int]*Chunk
	Path          string
	Metadata      map[string]any
}

type opKey struct {
	fileID  string
	chunkID int
	op      OpType
}

// channelHeap is a min-heap of per-channel next-free times.
type channelHeap []float64

func (h channelHeap) Len() int            { return len(h) }
func (h channelHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h channelHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *channelHeap) Push(x any)         { *h = append(*h, x.(float64)) }
func (h *channelHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Disk is VirtualDisk. All mutation happens from the simulator's single
// execution context; Disk itself does no internal locking beyond a mutex
// that guards the rare cross-goroutine read (e.g. a telemetry sampler).
type Disk struct {
	mu sync.Mutex

	CapacityBytes int64
	BlockSize     int64
	Profile       IOProfile
	PersistRoot   string
	VerifyReads   bool

	usedBytes     int64
	reservedBytes int64
	files         map[string]*File
	directories   map[string][]string
	scheduled     map[opKey]*IOTicket
	channels      channelHeap
}

// New constructs a VirtualDisk of the given capacity.
func New(capacityBytes int64, profile IOProfile) (*Disk, error) {
	if capacityBytes <= 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "capacity_bytes must be positive")
	}
	if profile.MaxOutstanding < 1 {
		profile.MaxOutstanding = 1
	}
	d := &Disk{
		CapacityBytes: capacityBytes,
		BlockSize:     4096,
		Profile:       profile,
		VerifyReads:   true,
		files:         make(map[string]*File),
		directories:   map[string][]string{"/": nil},
		scheduled:     make(map[opKey]*IOTicket),
		channels:      make(channelHeap, profile.MaxOutstanding),
	}
	heap.Init(&d.channels)
	return d, nil
}

// UsedBytes reports bytes committed to chunks.
func (d *Disk) UsedBytes() int64 { d.mu.Lock(); defer d.mu.Unlock(); return d.usedBytes }

// ReservedBytes reports bytes reserved but not yet committed.
func (d *Disk) ReservedBytes() int64 { d.mu.Lock(); defer d.mu.Unlock(); return d.reservedBytes }

// FreeBytes reports capacity not used or reserved.
func (d *Disk) FreeBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CapacityBytes - d.usedBytes - d.reservedBytes
}

// HasCapacity reports whether size more bytes would still fit.
func (d *Disk) HasCapacity(size int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedBytes+d.reservedBytes+size <= d.CapacityBytes
}

func normalizePath(p string) string {
	if p == "" {
		p = "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

func (d *Disk) ensureDirectory(dir string) {
	dir = normalizePath(dir)
	if _, ok := d.directories[dir]; ok {
		return
	}
	parent := path.Dir(dir)
	if parent == dir {
		parent = "/"
	}
	d.ensureDirectory(parent)
	d.directories[dir] = nil
	name := path.Base(dir)
	if name != "" && name != "/" {
		children := d.directories[parent]
		for _, c := range children {
			if c == name {
				return
			}
		}
		d.directories[parent] = append(children, name)
	}
}

func (d *Disk) trackPath(filePath string) {
	dir := path.Dir(filePath)
	name := path.Base(filePath)
	d.ensureDirectory(dir)
	for _, c := range d.directories[dir] {
		if c == name {
			return
		}
	}
	d.directories[dir] = append(d.directories[dir], name)
}

// ReserveFile reserves totalSize bytes against file_id ahead of any chunk
// commit. Returns false (no error) when capacity does not allow it;
// returns ErrDuplicate if file_id is already reserved.
func (d *Disk) ReserveFile(fileID string, totalSize int64, filePath string) (bool, error) {
	if totalSize <= 0 {
		return false, errors.Wrap(ErrInvalidArgument, "total_size must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[fileID]; ok {
		return false, ErrDuplicate
	}
	if d.usedBytes+d.reservedBytes+totalSize > d.CapacityBytes {
		return false, nil
	}
	if filePath == "" {
		filePath = fileID
	}
	filePath = normalizePath(filePath)
	d.trackPath(filePath)
	d.files[fileID] = &File{
		FileID:    fileID,
		TotalSize: totalSize,
		Chunks:    make(map[int]*Chunk),
		Path:      filePath,
		Metadata:  map[string]any{},
	}
	d.reservedBytes += totalSize
	return true, nil
}

func (d *Disk) reserveIOSlot(size int64, currentTime float64) float64 {
	if size < 1 {
		size = 1
	}
	available := heap.Pop(&d.channels).(float64)
	start := available
	if currentTime > start {
		start = currentTime
	}
	throughput := d.Profile.ThroughputBytesPerSec
	if throughput < 1 {
		throughput = 1
	}
	transfer := float64(size) / float64(throughput)
	seek := d.Profile.SeekTimeMS / 1000.0
	if seek < 0 {
		seek = 0
	}
	completion := start + seek + transfer
	heap.Push(&d.channels, completion)
	return completion
}

// ScheduleWrite reserves an I/O channel slot for a chunk write and returns
// its completion ticket.
func (d *Disk) ScheduleWrite(fileID string, chunkID int, expectedSize int64, currentTime float64) (*IOTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[fileID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "file_id %s is not reserved", fileID)
	}
	key := opKey{fileID, chunkID, OpWrite}
	if _, ok := d.scheduled[key]; ok {
		return nil, errors.Wrapf(ErrInFlight, "write already scheduled for %s:%d", fileID, chunkID)
	}
	completion := d.reserveIOSlot(expectedSize, currentTime)
	ticket := &IOTicket{FileID: fileID, ChunkID: chunkID, Op: OpWrite, CompletionTime: completion, Size: expectedSize}
	d.scheduled[key] = ticket
	return ticket, nil
}

// ScheduleRead reserves an I/O channel slot for a chunk read.
func (d *Disk) ScheduleRead(fileID string, chunkID int, currentTime float64) (*IOTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	chunk, ok := f.Chunks[chunkID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	key := opKey{fileID, chunkID, OpRead}
	if _, ok := d.scheduled[key]; ok {
		return nil, errors.Wrapf(ErrInFlight, "read already scheduled for %s:%d", fileID, chunkID)
	}
	completion := d.reserveIOSlot(chunk.Size, currentTime)
	ticket := &IOTicket{FileID: fileID, ChunkID: chunkID, Op: OpRead, CompletionTime: completion, Size: chunk.Size}
	d.scheduled[key] = ticket
	return ticket, nil
}

func checksumOf(payload []byte, size int64) string {
	if payload == nil {
		payload = make([]byte, size)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CompleteWrite commits the chunk data (payload may be nil, in which case
// the checksum is computed over size zero-bytes, matching the simulator's
// "payload is optional" modeling).
func (d *Disk) CompleteWrite(ticket *IOTicket, payload []byte) error {
	d.mu.Lock()
	key := opKey{ticket.FileID, ticket.ChunkID, OpWrite}
	if _, ok := d.scheduled[key]; !ok {
		d.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "no pending write for %s:%d", ticket.FileID, ticket.ChunkID)
	}
	delete(d.scheduled, key)
	d.mu.Unlock()
	return d.commitChunk(ticket.FileID, ticket.ChunkID, payload, ticket.Size)
}

// CompleteRead resolves a scheduled read, returning the chunk payload.
func (d *Disk) CompleteRead(ticket *IOTicket) ([]byte, error) {
	d.mu.Lock()
	key := opKey{ticket.FileID, ticket.ChunkID, OpRead}
	if _, ok := d.scheduled[key]; !ok {
		d.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "no pending read for %s:%d", ticket.FileID, ticket.ChunkID)
	}
	delete(d.scheduled, key)
	d.mu.Unlock()
	return d.ReadChunk(ticket.FileID, ticket.ChunkID)
}

// CancelTicket drops a scheduled (but not yet completed) operation without
// committing or reading anything — used on abort paths.
func (d *Disk) CancelTicket(ticket *IOTicket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.scheduled, opKey{ticket.FileID, ticket.ChunkID, ticket.Op})
}

// WriteChunk commits a chunk synchronously, bypassing the ticket dance —
// used by store_local_file's synchronous path (spec.md §4.4).
func (d *Disk) WriteChunk(fileID string, chunkID int, payload []byte, expectedSize int64) error {
	return d.commitChunk(fileID, chunkID, payload, expectedSize)
}

func (d *Disk) commitChunk(fileID string, chunkID int, payload []byte, expectedSize int64) error {
	if expectedSize <= 0 {
		return errors.Wrap(ErrInvalidArgument, "expected_size must be positive")
	}
	d.mu.Lock()
	f, ok := d.files[fileID]
	if !ok {
		d.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "file_id %s is not reserved", fileID)
	}
	if _, ok := f.Chunks[chunkID]; ok {
		d.mu.Unlock()
		return errors.Wrapf(ErrInvalidArgument, "chunk %d already written for %s", chunkID, fileID)
	}
	if payload != nil && int64(len(payload)) != expectedSize {
		d.mu.Unlock()
		return errors.Wrap(ErrInvalidArgument, "payload length mismatch")
	}
	checksum := checksumOf(payload, expectedSize)
	f.Chunks[chunkID] = &Chunk{Size: expectedSize, Payload: payload, Checksum: checksum}
	f.CommittedSize += expectedSize
	d.usedBytes += expectedSize
	d.reservedBytes -= expectedSize
	if d.reservedBytes < 0 {
		d.reservedBytes = 0
	}
	overCommitted := f.CommittedSize > f.TotalSize
	persistRoot, filePath := d.PersistRoot, f.Path
	d.mu.Unlock()
	if overCommitted {
		return errors.Wrap(ErrInvalidArgument, "committed more bytes than reserved for file")
	}
	if persistRoot != "" && payload != nil {
		return d.persistChunk(persistRoot, filePath, payload)
	}
	return nil
}

// persistChunk appends lz4-framed payload bytes to the host-backed file
// under PersistRoot, grounded on the original's append-mode persistence
// (SPEC_FULL.md §4.18).
func (d *Disk) persistChunk(root, filePath string, payload []byte) error {
	rel := path.Clean("/" + filePath)
	hostPath := path.Join(root, rel)
	if err := os.MkdirAll(path.Dir(hostPath), 0o755); err != nil {
		return errors.Wrap(err, "vdisk: persist mkdir")
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	f, err := os.OpenFile(hostPath, flags, 0o644)
	if err != nil {
		return errors.Wrap(err, "vdisk: persist open")
	}
	defer f.Close()
	zw := lz4.NewWriter(f)
	if _, err := zw.Write(payload); err != nil {
		return errors.Wrap(err, "vdisk: persist write")
	}
	return zw.Close()
}

// ReadChunk returns a chunk's payload, verifying its checksum when
// VerifyReads is set (the default). A mismatch marks the chunk corrupted
// and returns ErrCorruption, matching spec.md §4.2.
func (d *Disk) ReadChunk(fileID string, chunkID int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	chunk, ok := f.Chunks[chunkID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	if chunk.Corrupted {
		return nil, errors.Wrapf(ErrCorruption, "chunk %d corrupted for %s", chunkID, fileID)
	}
	payload := chunk.Payload
	if payload == nil {
		payload = make([]byte, chunk.Size)
	}
	if d.VerifyReads && chunk.Checksum != "" {
		if checksumOf(payload, chunk.Size) != chunk.Checksum {
			chunk.Corrupted = true
			return nil, errors.Wrapf(ErrCorruption, "checksum mismatch for %s:%d", fileID, chunkID)
		}
	}
	return payload, nil
}

// ReadFile concatenates every chunk of a file in chunk_id order.
func (d *Disk) ReadFile(fileID string) ([]byte, error) {
	d.mu.Lock()
	f, ok := d.files[fileID]
	if !ok {
		d.mu.Unlock()
		return nil, errors.Wrapf(ErrNotFound, "file %s not found", fileID)
	}
	ids := make([]int, 0, len(f.Chunks))
	for id := range f.Chunks {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Ints(ids)
	out := make([]byte, 0)
	for _, id := range ids {
		chunk, err := d.ReadChunk(fileID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// ChunkChecksum returns the stored checksum for a chunk, or "" if unknown.
func (d *Disk) ChunkChecksum(fileID string, chunkID int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return ""
	}
	c, ok := f.Chunks[chunkID]
	if !ok {
		return ""
	}
	return c.Checksum
}

// InjectCorruption marks a committed chunk corrupted — the fault-injection
// hook named in spec.md §9 in place of the original's runtime method
// override pattern.
func (d *Disk) InjectCorruption(fileID string, chunkID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	c, ok := f.Chunks[chunkID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	c.Corrupted = true
	return nil
}

// RecoverChunk clears a chunk's corrupted flag, optionally rewriting its
// payload and checksum.
func (d *Disk) RecoverChunk(fileID string, chunkID int, repaired []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	c, ok := f.Chunks[chunkID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "chunk %d not found for %s", chunkID, fileID)
	}
	c.Corrupted = false
	if repaired != nil {
		c.Payload = repaired
		c.Checksum = checksumOf(repaired, c.Size)
	}
	return nil
}

// ReleaseFile reclaims both remaining reservation and committed bytes —
// used when a transfer aborts mid-flight.
func (d *Disk) ReleaseFile(fileID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return
	}
	delete(d.files, fileID)
	remainingReserved := f.TotalSize - f.CommittedSize
	if remainingReserved < 0 {
		remainingReserved = 0
	}
	d.reservedBytes -= remainingReserved
	d.usedBytes -= f.CommittedSize
}

// DeleteFile reclaims only committed bytes (reservation is assumed 0).
func (d *Disk) DeleteFile(fileID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fileID]
	if !ok {
		return
	}
	d.usedBytes -= f.CommittedSize
	delete(d.files, fileID)
}

// ListDirectory returns the child names tracked under path.
func (d *Disk) ListDirectory(dirPath string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	children := d.directories[normalizePath(dirPath)]
	out := make([]string, len(children))
	copy(out, children)
	return out
}

// FileMetadata returns a summary of a reserved/committed file, or false.
func (d *Disk) FileMetadata(fileID string) (path string, totalSize, committedSize int64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, found := d.files[fileID]
	if !found {
		return "", 0, 0, false
	}
	return f.Path, f.TotalSize, f.CommittedSize, true
}

// RehydrateFromHost walks PersistRoot (using godirwalk, a faster
// alternative to filepath.Walk for large trees) and rebuilds the directory
// namespace after a restart. It does not restore chunk-level state — only
// the directory listing — callers rebuild file/chunk metadata from the
// control-plane metadata store.
func (d *Disk) RehydrateFromHost() error {
	if d.PersistRoot == "" {
		return nil
	}
	if _, err := os.Stat(d.PersistRoot); os.IsNotExist(err) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return godirwalk.Walk(d.PersistRoot, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			rel := osPathname[len(d.PersistRoot):]
			if rel == "" {
				return nil
			}
			rel = normalizePath(rel)
			if de.IsDir() {
				d.ensureDirectory(rel)
				return nil
			}
			d.trackPath(rel)
			return nil
		},
		Unsorted: true,
	})
}

func (ot OpType) label() string { return fmt.Sprintf("op(%s)", ot.String()) }
