// Package node implements StorageVirtualNode (spec component C4): the
// composition of one VirtualDisk, one VirtualOS, and a neighbor/link
// table, plus the chunk-transfer lifecycle hooks a StorageVirtualNetwork
// drives hop by hop.
package node

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/cloudfabric/fabricsim/internal/vdisk"
	"github.com/cloudfabric/fabricsim/internal/vos"
)

// Cost-model constants, grounded on
// original_source/CloudSim/storage_virtual_node.py.
const (
	cpuSecondsPerMB    = 0.002
	workingSetFraction = 0.05
	minWorkingSetBytes = 4 * 1024 * 1024

	minChunkSizeBytes = 256 * 1024
	maxChunkSizeBytes = 32 * 1024 * 1024
)

// TransferStatus is FileTransfer.status / FileChunk.status.
type TransferStatus int

const (
	Pending TransferStatus = iota
	InProgress
	TransferCompleted
	TransferFailed
)

// FileChunk is one slice of a FileTransfer.
type FileChunk struct {
	ChunkID    int
	Size       int64
	Checksum   string
	Status     TransferStatus
	StoredNode string
}

// FileTransfer is the node-local record of an in-flight or completed
// chunked transfer.
type FileTransfer struct {
	FileID        string
	FileName      string
	TotalSize     int64
	Chunks        []*FileChunk
	Status        TransferStatus
	CreatedAt     float64
	CompletedAt   *float64
	IsRetrieval   bool
	BackingFileID string
	TargetNode    string
	SegmentOffset int64
}

func (t *FileTransfer) chunk(chunkID int) *FileChunk {
	for _, c := range t.Chunks {
		if c.ChunkID == chunkID {
			return c
		}
	}
	return nil
}

func (t *FileTransfer) allChunksCompleted() bool {
	for _, c := range t.Chunks {
		if c.Status != TransferCompleted {
			return false
		}
	}
	return true
}

// NetworkInterface is a named addressable interface on a node.
type NetworkInterface struct {
	Name       string
	IPAddress  string
	Subnet     string
	MACAddress string
}

// ChunkCommitResult is returned by ProcessChunkTransfer.
type ChunkCommitResult struct {
	Success        bool
	CompletionTime float64
}

type pendingDiskWrite struct {
	ticket       *vdisk.IOTicket
	chunk        *FileChunk
	transfer     *FileTransfer
	sourceNode   string
	bandwidthBps float64
}

type pendingKey struct {
	fileID  string
	chunkID int
}

// Node is StorageVirtualNode.
type Node struct {
	NodeID              string
	CPUCapacity         int
	MemoryCapacityBytes int64
	TotalStorageBytes   int64
	BandwidthBps        int64
	Zone                string
	IPAddress           string

	interfaces    map[string]*NetworkInterface
	connections   map[string]int64
	linkLatencies map[string]float64

	activeTransfers map[string]*FileTransfer
	storedFiles     map[string]*FileTransfer

	NetworkUtilization float64

	Disk *vdisk.Disk
	OS   *vos.OS

	diskDeviceName        string
	networkDeviceName     string
	maintenanceDeviceName string

	transmissionTickets map[int]any
	maintenanceTickets  map[int]any
	backgroundJobs      map[string][]int
	pendingDiskWrites   map[pendingKey]*pendingDiskWrite

	TotalRequestsProcessed int
	TotalDataTransferred   int64
	FailedTransfers        int
	OSProcessFailures      int
}

// New constructs a StorageVirtualNode. cpuCapacity is vCPUs,
// memoryCapacityGB/storageCapacityGB are whole GB, bandwidthMbps is Mbps.
func New(nodeID string, cpuCapacity int, memoryCapacityGB, storageCapacityGB, bandwidthMbps int64, zone string) (*Node, error) {
	totalStorage := storageCapacityGB * 1024 * 1024 * 1024
	memoryBytes := memoryCapacityGB * 1024 * 1024 * 1024
	if memoryBytes < 1 {
		memoryBytes = 1
	}
	disk, err := vdisk.New(totalStorage, vdisk.DefaultIOProfile())
	if err != nil {
		return nil, errors.Wrap(err, "node: constructing disk")
	}
	n := &Node{
		NodeID:              nodeID,
		CPUCapacity:         cpuCapacity,
		MemoryCapacityBytes: memoryBytes,
		TotalStorageBytes:   totalStorage,
		BandwidthBps:        bandwidthMbps * 1_000_000,
		Zone:                zone,
		interfaces:          make(map[string]*NetworkInterface),
		connections:         make(map[string]int64),
		linkLatencies:       make(map[string]float64),
		activeTransfers:     make(map[string]*FileTransfer),
		storedFiles:         make(map[string]*FileTransfer),
		Disk:                disk,
		OS:                  vos.New(memoryBytes, 0.01),
		diskDeviceName:      "disk:" + nodeID,
		networkDeviceName:   "nic:" + nodeID,
		maintenanceDeviceName: "maintenance:" + nodeID,
		transmissionTickets: make(map[int]any),
		maintenanceTickets:  make(map[int]any),
		backgroundJobs:      make(map[string][]int),
		pendingDiskWrites:   make(map[pendingKey]*pendingDiskWrite),
	}
	n.registerVirtualOSDevices()
	return n, nil
}

// AddConnection records a neighbor link, storing bandwidth in bits/sec and
// clamping latency to be non-negative.
func (n *Node) AddConnection(neighbor string, bandwidthMbps int64, latencyMs float64) {
	n.connections[neighbor] = bandwidthMbps * 1_000_000
	if latencyMs < 0 {
		latencyMs = 0
	}
	n.linkLatencies[neighbor] = latencyMs
}

// RemoveConnection drops a neighbor link in one direction.
func (n *Node) RemoveConnection(neighbor string) {
	delete(n.connections, neighbor)
	delete(n.linkLatencies, neighbor)
}

// Connections returns a snapshot of this node's neighbor→bandwidth table.
func (n *Node) Connections() map[string]int64 {
	out := make(map[string]int64, len(n.connections))
	for k, v := range n.connections {
		out[k] = v
	}
	return out
}

// GetLinkLatency returns the latency to neighbor, or 0 if unconnected.
func (n *Node) GetLinkLatency(neighbor string) float64 { return n.linkLatencies[neighbor] }

// SetIPAddress sets the node's primary IP.
func (n *Node) SetIPAddress(ip string) { n.IPAddress = ip }

// AddInterface registers a named interface, adopting its IP as the node's
// primary address if none is set yet.
func (n *Node) AddInterface(name, ip, subnet, mac string) *NetworkInterface {
	iface := &NetworkInterface{Name: name, IPAddress: ip, Subnet: subnet, MACAddress: mac}
	n.interfaces[name] = iface
	if ip != "" && n.IPAddress == "" {
		n.IPAddress = ip
	}
	return iface
}

// GetInterface looks an interface up by name.
func (n *Node) GetInterface(name string) (*NetworkInterface, bool) {
	iface, ok := n.interfaces[name]
	return iface, ok
}

// Clone creates a replica node with proportionally scaled resources
// (storage/bandwidth rounded up), per spec.md §4.4.
func (n *Node) Clone(nodeID string, storageFactor, bandwidthFactor float64, zone string) (*Node, error) {
	storageGB := int64(math.Ceil(float64(n.TotalStorageBytes) / (1024 * 1024 * 1024) * storageFactor))
	if storageGB < 1 {
		storageGB = 1
	}
	bandwidthMbps := int64(math.Ceil(float64(n.BandwidthBps) / 1_000_000 * bandwidthFactor))
	if bandwidthMbps < 1 {
		bandwidthMbps = 1
	}
	if zone == "" {
		zone = n.Zone
	}
	memoryGB := n.MemoryCapacityBytes / (1024 * 1024 * 1024)
	if memoryGB < 1 {
		memoryGB = 1
	}
	return New(nodeID, n.CPUCapacity, memoryGB, storageGB, bandwidthMbps, zone)
}

func clampChunkHint(hint int64, fileSize int64) int64 {
	if hint < minChunkSizeBytes {
		hint = minChunkSizeBytes
	}
	if hint > maxChunkSizeBytes {
		hint = maxChunkSizeBytes
	}
	if hint > fileSize {
		hint = fileSize
	}
	if hint < 1 {
		hint = 1
	}
	return hint
}

// calculateChunkSize determines a chunk size from file size and an
// optional hint, per spec.md §4.4.
func (n *Node) calculateChunkSize(fileSize int64, hint *int64) int64 {
	if hint != nil {
		return clampChunkHint(*hint, fileSize)
	}
	switch {
	case fileSize < 10*1024*1024:
		return 512 * 1024
	case fileSize < 100*1024*1024:
		return 2 * 1024 * 1024
	default:
		return 10 * 1024 * 1024
	}
}

func fakeChecksum(fileID string, chunkID int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%d", fileID, chunkID)))
	return hex.EncodeToString(sum[:])
}

func (n *Node) generateChunks(fileID string, fileSize int64, hint *int64) []*FileChunk {
	chunkSize := n.calculateChunkSize(fileSize, hint)
	if chunkSize < 1 {
		chunkSize = 1
	}
	numChunks := int(math.Ceil(float64(fileSize) / float64(chunkSize)))
	chunks := make([]*FileChunk, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		remaining := fileSize - int64(i)*chunkSize
		size := chunkSize
		if remaining < size {
			size = remaining
		}
		chunks = append(chunks, &FileChunk{ChunkID: i, Size: size, Checksum: fakeChecksum(fileID, i)})
	}
	return chunks
}

// InitiateFileTransfer reserves disk capacity and splits a file into
// chunks. Returns (nil, nil) when disk reservation is refused for
// capacity reasons (not an error — callers try another node).
func (n *Node) InitiateFileTransfer(fileID, fileName string, fileSize int64, now float64, preferredChunkSize *int64, backingFileID string, segmentOffset int64) (*FileTransfer, error) {
	filePath := fmt.Sprintf("/%s/%s", n.NodeID, fileName)
	ok, err := n.Disk.ReserveFile(fileID, fileSize, filePath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if backingFileID == "" {
		backingFileID = fileID
	}
	transfer := &FileTransfer{
		FileID:        fileID,
		FileName:      fileName,
		TotalSize:     fileSize,
		Chunks:        n.generateChunks(fileID, fileSize, preferredChunkSize),
		CreatedAt:     now,
		TargetNode:    n.NodeID,
		BackingFileID: backingFileID,
		SegmentOffset: segmentOffset,
	}
	n.activeTransfers[fileID] = transfer
	return transfer, nil
}

// FreeStorage reports bytes not used or reserved on the node's disk.
func (n *Node) FreeStorage() int64 { return n.Disk.FreeBytes() }

// UsedStorage reports committed bytes on the node's disk.
func (n *Node) UsedStorage() int64 { return n.Disk.UsedBytes() }

// ProjectedStorageUsage is used+reserved, the figure scaling decisions
// compare against capacity.
func (n *Node) ProjectedStorageUsage() int64 { return n.Disk.UsedBytes() + n.Disk.ReservedBytes() }

func (n *Node) computeMemoryRequirement(chunkSize int64, scale float64) int64 {
	workingSet := int64(float64(n.MemoryCapacityBytes) * workingSetFraction)
	if workingSet > chunkSize {
		workingSet = chunkSize
	}
	floor := int64(minWorkingSetBytes)
	if floor > n.MemoryCapacityBytes {
		floor = n.MemoryCapacityBytes
	}
	if workingSet < floor {
		workingSet = floor
	}
	if scale < 0.01 {
		scale = 0.01
	}
	req := int64(float64(workingSet) * scale)
	if req < 1 {
		req = 1
	}
	return req
}

func (n *Node) computeCPURequirement(chunkSize int64, scale float64) float64 {
	cpuCapacity := n.CPUCapacity
	if cpuCapacity < 1 {
		cpuCapacity = 1
	}
	base := (float64(chunkSize) / (1024 * 1024)) * cpuSecondsPerMB / float64(cpuCapacity)
	if base < 0.001 {
		base = 0.001
	}
	if scale < 0.01 {
		scale = 0.01
	}
	req := base * scale
	if req < 0.001 {
		req = 0.001
	}
	return req
}

func (n *Node) runProcessToCompletion(pid int, maxTicks int) bool {
	for i := 0; i < maxTicks; i++ {
		p, ok := n.OS.GetProcess(pid)
		if !ok {
			return false
		}
		if p.State == vos.Completed {
			return true
		}
		if p.State == vos.Failed {
			return false
		}
		n.OS.ScheduleTick()
	}
	return false
}

func (n *Node) executeChunkProcess(chunkSize int64, purpose string, cpuScale, memScale float64, work func() error) bool {
	pid, ok := n.OS.SpawnProcess(
		purpose+"-"+n.NodeID,
		n.computeCPURequirement(chunkSize, cpuScale),
		n.computeMemoryRequirement(chunkSize, memScale),
		work,
	)
	if !ok {
		n.OSProcessFailures++
		return false
	}
	if !n.runProcessToCompletion(pid, 10_000) {
		n.OS.KillProcess(pid)
		n.OSProcessFailures++
		return false
	}
	return true
}

func (n *Node) startAsyncChunkProcess(chunkSize int64, purpose string, cpuScale, memScale float64) (int, bool) {
	return n.OS.SpawnProcess(
		purpose+"-"+n.NodeID,
		n.computeCPURequirement(chunkSize, cpuScale),
		n.computeMemoryRequirement(chunkSize, memScale),
		nil,
	)
}

// ProcessChunkTransfer reserves an ingest process on the OS and, on
// success, schedules the chunk's disk-write ticket.
func (n *Node) ProcessChunkTransfer(fileID string, chunkID int, sourceNode string, completedTime float64, bandwidthUsedBps int64) ChunkCommitResult {
	transfer, ok := n.activeTransfers[fileID]
	if !ok {
		return ChunkCommitResult{false, completedTime}
	}
	chunk := transfer.chunk(chunkID)
	if chunk == nil {
		return ChunkCommitResult{false, completedTime}
	}
	chunk.StoredNode = n.NodeID
	chunk.Status = InProgress

	if !n.executeChunkProcess(chunk.Size, "ingest", 1.0, 1.0, nil) {
		n.AbortTransfer(fileID)
		return ChunkCommitResult{false, completedTime}
	}

	ticket, err := n.Disk.ScheduleWrite(fileID, chunkID, chunk.Size, completedTime)
	if err != nil {
		n.AbortTransfer(fileID)
		return ChunkCommitResult{false, completedTime}
	}

	n.pendingDiskWrites[pendingKey{fileID, chunkID}] = &pendingDiskWrite{
		ticket:       ticket,
		chunk:        chunk,
		transfer:     transfer,
		sourceNode:   sourceNode,
		bandwidthBps: float64(bandwidthUsedBps),
	}
	return ChunkCommitResult{true, ticket.CompletionTime}
}

// FinalizeChunkCommit completes a scheduled disk write once its ticket's
// completion time has elapsed in the simulator.
func (n *Node) FinalizeChunkCommit(fileID string, chunkID int, completedTime float64) bool {
	key := pendingKey{fileID, chunkID}
	pending, ok := n.pendingDiskWrites[key]
	if !ok {
		return false
	}
	delete(n.pendingDiskWrites, key)

	if err := n.Disk.CompleteWrite(pending.ticket, nil); err != nil {
		n.OSProcessFailures++
		n.AbortTransfer(fileID)
		return false
	}

	pending.chunk.Status = TransferCompleted
	transfer := pending.transfer
	transfer.Status = InProgress
	n.TotalDataTransferred += pending.chunk.Size

	if transfer.allChunksCompleted() {
		transfer.Status = TransferCompleted
		completedAt := completedTime
		transfer.CompletedAt = &completedAt
		n.storedFiles[fileID] = transfer
		delete(n.activeTransfers, fileID)
		n.TotalRequestsProcessed++
	}
	return true
}

// AbortTransfer marks a transfer FAILED, cancels its scheduled disk
// tickets, and releases the disk reservation — the resource-release
// discipline spec.md §7 calls "the single most important invariant".
func (n *Node) AbortTransfer(fileID string) {
	if transfer, ok := n.activeTransfers[fileID]; ok {
		transfer.Status = TransferFailed
		n.FailedTransfers++
		delete(n.activeTransfers, fileID)
	}
	for key, pending := range n.pendingDiskWrites {
		if key.fileID != fileID {
			continue
		}
		delete(n.pendingDiskWrites, key)
		n.Disk.CancelTicket(pending.ticket)
	}
	n.Disk.ReleaseFile(fileID)
}

// RetrieveFile returns a synthetic retrieval FileTransfer mirroring a
// stored file's chunks, or nil if the file isn't stored here.
func (n *Node) RetrieveFile(fileID, destinationNode string, now float64) *FileTransfer {
	stored, ok := n.storedFiles[fileID]
	if !ok {
		return nil
	}
	chunks := make([]*FileChunk, len(stored.Chunks))
	for i, c := range stored.Chunks {
		chunks[i] = &FileChunk{ChunkID: c.ChunkID, Size: c.Size, Checksum: c.Checksum, StoredNode: destinationNode}
	}
	return &FileTransfer{
		FileID:        fmt.Sprintf("retr-%s-%.6f", fileID, now),
		FileName:      stored.FileName,
		TotalSize:     stored.TotalSize,
		Chunks:        chunks,
		IsRetrieval:   true,
		BackingFileID: fileID,
		CreatedAt:     now,
		TargetNode:    destinationNode,
	}
}

// StoreLocalFile persists a file synchronously with no network hops.
func (n *Node) StoreLocalFile(fileName string, fileSize int64, now float64) (*FileTransfer, error) {
	fileID := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("local-%s-%s-%.6f", n.NodeID, fileName, now))))
	path := fmt.Sprintf("/%s/%s", n.NodeID, fileName)
	ok, err := n.Disk.ReserveFile(fileID, fileSize, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	chunks := n.generateChunks(fileID, fileSize, nil)
	completedAt := now
	transfer := &FileTransfer{
		FileID:      fileID,
		FileName:    fileName,
		TotalSize:   fileSize,
		Chunks:      chunks,
		Status:      TransferCompleted,
		CreatedAt:   now,
		CompletedAt: &completedAt,
		TargetNode:  n.NodeID,
	}
	for _, c := range chunks {
		c.Status = TransferCompleted
		c.StoredNode = n.NodeID
		if err := n.Disk.WriteChunk(fileID, c.ChunkID, nil, c.Size); err != nil {
			return nil, err
		}
	}
	n.storedFiles[fileID] = transfer
	n.TotalDataTransferred += fileSize
	n.TotalRequestsProcessed++
	return transfer, nil
}

// GetStorageUtilization reports disk usage metrics.
func (n *Node) GetStorageUtilization() map[string]any {
	var pct float64
	if n.TotalStorageBytes > 0 {
		pct = float64(n.Disk.UsedBytes()) / float64(n.TotalStorageBytes) * 100
	}
	return map[string]any{
		"used_bytes":          n.Disk.UsedBytes(),
		"reserved_bytes":      n.Disk.ReservedBytes(),
		"total_bytes":         n.TotalStorageBytes,
		"utilization_percent": pct,
		"files_stored":        len(n.storedFiles),
		"active_transfers":    len(n.activeTransfers),
	}
}

// GetNetworkUtilization reports bandwidth usage metrics.
func (n *Node) GetNetworkUtilization() map[string]any {
	var pct float64
	if n.BandwidthBps > 0 {
		pct = n.NetworkUtilization / float64(n.BandwidthBps) * 100
	}
	neighbors := make([]string, 0, len(n.connections))
	for neighbor := range n.connections {
		neighbors = append(neighbors, neighbor)
	}
	sort.Strings(neighbors)
	return map[string]any{
		"current_utilization_bps": n.NetworkUtilization,
		"max_bandwidth_bps":       n.BandwidthBps,
		"utilization_percent":     pct,
		"connections":             neighbors,
	}
}

// GetPerformanceMetrics reports counters used by scaling/telemetry.
func (n *Node) GetPerformanceMetrics() map[string]any {
	return map[string]any{
		"total_requests_processed":    n.TotalRequestsProcessed,
		"total_data_transferred_bytes": n.TotalDataTransferred,
		"failed_transfers":            n.FailedTransfers,
		"current_active_transfers":    len(n.activeTransfers),
		"os_used_memory_bytes":        n.OS.UsedMemory(),
		"os_process_failures":         n.OSProcessFailures,
	}
}

// OSTick advances the virtual OS scheduler by up to cpu_capacity
// timeslices, stopping early once nothing is runnable.
func (n *Node) OSTick() {
	timeslices := n.CPUCapacity
	if timeslices < 1 {
		timeslices = 1
	}
	for i := 0; i < timeslices; i++ {
		if !n.OS.HasRunnableWork() {
			break
		}
		n.OS.ScheduleTick()
	}
}

// StartChunkTransmission acquires a reservation-mode slot on the node's
// nic device and spawns the egress process governing the chunk.
func (n *Node) StartChunkTransmission(chunkSize int64) (int, bool) {
	res := n.OS.InvokeSyscall("network_send", map[string]any{"bytes": chunkSize})
	if !res.Success {
		n.OSProcessFailures++
		return 0, false
	}
	ticket := res.Metadata["ticket"]
	pid, ok := n.startAsyncChunkProcess(chunkSize, "egress", 0.5, 1.0)
	if !ok {
		n.OS.CompleteDeviceRequest(n.networkDeviceName, ticket, false, "chunk-transmission-not-started")
		n.OSProcessFailures++
		return 0, false
	}
	n.transmissionTickets[pid] = ticket
	return pid, true
}

// CompleteChunkTransmission releases the nic slot acquired by
// StartChunkTransmission once the egress process has finished or failed.
func (n *Node) CompleteChunkTransmission(pid int) {
	ticket, had := n.transmissionTickets[pid]
	delete(n.transmissionTickets, pid)
	p, ok := n.OS.GetProcess(pid)
	if !ok {
		if had {
			n.OS.CompleteDeviceRequest(n.networkDeviceName, ticket, false, "missing-egress-process")
		}
		return
	}
	if p.State == vos.Failed {
		n.OSProcessFailures++
		n.OS.CompleteDeviceRequest(n.networkDeviceName, ticket, false, "egress-process-failed")
		return
	}
	if p.State != vos.Completed {
		if !n.runProcessToCompletion(pid, 10_000) {
			n.OS.KillProcess(pid)
			n.OSProcessFailures++
			n.OS.CompleteDeviceRequest(n.networkDeviceName, ticket, false, "egress-process-timeout")
			return
		}
	}
	n.OS.CompleteDeviceRequest(n.networkDeviceName, ticket, true, "")
}

// ScheduleBackgroundJob spawns a maintenance-device-gated OS process.
func (n *Node) ScheduleBackgroundJob(jobName string, cpuSeconds float64, memoryBytes int64, task func() error) (int, bool) {
	res := n.OS.InvokeSyscall("maintenance_hook", map[string]any{"job_name": jobName})
	if !res.Success {
		n.OSProcessFailures++
		return 0, false
	}
	ticket := res.Metadata["ticket"]
	if cpuSeconds < 0.001 {
		cpuSeconds = 0.001
	}
	if memoryBytes < 1 {
		memoryBytes = 1
	}
	pid, ok := n.OS.SpawnProcess(fmt.Sprintf("bg-%s-%s", jobName, n.NodeID), cpuSeconds, memoryBytes, task)
	if !ok {
		n.OS.CompleteDeviceRequest(n.maintenanceDeviceName, ticket, false, "background-process-spawn-failed")
		n.OSProcessFailures++
		return 0, false
	}
	n.backgroundJobs[jobName] = append(n.backgroundJobs[jobName], pid)
	n.maintenanceTickets[pid] = ticket
	return pid, true
}

// DrainBackgroundJobs runs every scheduled background job to completion.
func (n *Node) DrainBackgroundJobs() {
	for jobName, pids := range n.backgroundJobs {
		for _, pid := range pids {
			success := n.runProcessToCompletion(pid, 10_000)
			if !success {
				n.OS.KillProcess(pid)
				n.OSProcessFailures++
			}
			ticket := n.maintenanceTickets[pid]
			delete(n.maintenanceTickets, pid)
			errMsg := ""
			if !success {
				errMsg = "background-process-failed"
			}
			n.OS.CompleteDeviceRequest(n.maintenanceDeviceName, ticket, success, errMsg)
		}
		n.backgroundJobs[jobName] = nil
	}
}

// PrepareChunkRead runs a disk_read syscall for a retrieval transfer's
// backing chunk before it can be transmitted.
func (n *Node) PrepareChunkRead(transfer *FileTransfer, chunk *FileChunk) bool {
	if !transfer.IsRetrieval {
		return true
	}
	backingFileID := transfer.BackingFileID
	if backingFileID == "" {
		backingFileID = transfer.FileID
	}
	readWork := func() error {
		res := n.OS.InvokeSyscall("disk_read", map[string]any{
			"file_id":  backingFileID,
			"chunk_id": chunk.ChunkID,
			"size":     chunk.Size,
		})
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "disk-read-failed"
			}
			return errors.New(msg)
		}
		return nil
	}
	return n.executeChunkProcess(chunk.Size, "egress-read", 1.0, 1.0, readWork)
}

func (n *Node) registerVirtualOSDevices() {
	n.OS.RegisterDevice(n.diskDeviceName, 4, n.diskDeviceHandler)
	nicInflight := n.CPUCapacity
	if nicInflight < 1 {
		nicInflight = 1
	}
	n.OS.RegisterDevice(n.networkDeviceName, nicInflight, nil)
	n.OS.RegisterDevice(n.maintenanceDeviceName, 1, nil)

	n.OS.RegisterSyscall("disk_write", n.sysDiskWrite)
	n.OS.RegisterSyscall("disk_read", n.sysDiskRead)
	n.OS.RegisterSyscall("network_send", n.sysNetworkSend)
	n.OS.RegisterSyscall("maintenance_hook", n.sysMaintenanceHook)
}

func (n *Node) diskDeviceHandler(payload map[string]any) (any, error) {
	op, _ := payload["op"].(string)
	fileID, _ := payload["file_id"].(string)
	chunkID, _ := payload["chunk_id"].(int)
	switch op {
	case "write":
		size, _ := payload["size"].(int64)
		return nil, n.Disk.WriteChunk(fileID, chunkID, nil, size)
	case "read":
		_, err := n.Disk.ReadChunk(fileID, chunkID)
		return nil, err
	default:
		return nil, errors.Errorf("node: unsupported disk op %q", op)
	}
}

func (n *Node) sysDiskWrite(ctx *vos.SyscallContext, args map[string]any) (any, error) {
	return ctx.DeviceCall(n.diskDeviceName, map[string]any{
		"op":       "write",
		"file_id":  args["file_id"],
		"chunk_id": args["chunk_id"],
		"size":     args["size"],
	}, vos.SubmitInstant), nil
}

func (n *Node) sysDiskRead(ctx *vos.SyscallContext, args map[string]any) (any, error) {
	return ctx.DeviceCall(n.diskDeviceName, map[string]any{
		"op":       "read",
		"file_id":  args["file_id"],
		"chunk_id": args["chunk_id"],
		"size":     args["size"],
	}, vos.SubmitInstant), nil
}

func (n *Node) sysNetworkSend(ctx *vos.SyscallContext, args map[string]any) (any, error) {
	return ctx.DeviceCall(n.networkDeviceName, map[string]any{
		"bytes": args["bytes"],
		"node":  n.NodeID,
	}, vos.SubmitReservation), nil
}

func (n *Node) sysMaintenanceHook(ctx *vos.SyscallContext, args map[string]any) (any, error) {
	return ctx.DeviceCall(n.maintenanceDeviceName, map[string]any{
		"job":  args["job_name"],
		"node": n.NodeID,
	}, vos.SubmitReservation), nil
}

// StoredFiles returns a snapshot slice of every file currently stored on
// this node (for inspection/tests).
func (n *Node) StoredFiles() map[string]*FileTransfer {
	out := make(map[string]*FileTransfer, len(n.storedFiles))
	for k, v := range n.storedFiles {
		out[k] = v
	}
	return out
}

// ActiveTransfers returns a snapshot map of in-flight transfers.
func (n *Node) ActiveTransfers() map[string]*FileTransfer {
	out := make(map[string]*FileTransfer, len(n.activeTransfers))
	for k, v := range n.activeTransfers {
		out[k] = v
	}
	return out
}

// ForgetStoredFile deletes a file from disk and drops its stored-files
// bookkeeping entry, used when purging orphaned fabric manifests.
func (n *Node) ForgetStoredFile(fileID string) {
	n.Disk.DeleteFile(fileID)
	delete(n.storedFiles, fileID)
}
