package network

import "sort"

// ActiveChunk is one chunk in flight across a multi-hop path, progressed
// tick by tick by the fair scheduler. It holds a nic reservation on the
// current hop's sender for as long as it occupies that hop.
type ActiveChunk struct {
	ID             int
	FileID         string
	ChunkID        int
	Path           []string
	HopIndex       int
	ChunkSize      int64
	RemainingBytes float64
	StartedAt      float64

	nicHolder string
	nicPID    int
	nicHeld   bool

	onComplete func(*Network, *ActiveChunk)
	onFail     func(*Network, *ActiveChunk, string)
}

// enqueueChunkTransfer admits a chunk onto its computed path, acquiring a
// nic reservation on the first hop's sender, and arms the per-tick
// scheduler if it isn't already running. Returns nil if the first hop's
// sender has no spare nic capacity (spec.md §4.5.2's attach semantics).
func (net *Network) enqueueChunkTransfer(path []string, fileID string, chunkID int, size int64, onComplete func(*Network, *ActiveChunk), onFail func(*Network, *ActiveChunk, string)) *ActiveChunk {
	net.nextChunkID++
	ac := &ActiveChunk{
		ID:             net.nextChunkID,
		FileID:         fileID,
		ChunkID:        chunkID,
		Path:           path,
		ChunkSize:      size,
		RemainingBytes: float64(size),
		StartedAt:      net.now(),
		onComplete:     onComplete,
		onFail:         onFail,
	}
	if !net.attachHop(ac) {
		if ac.onFail != nil {
			ac.onFail(net, ac, "Insufficient node resources for next hop")
		}
		net.emit("chunk_failed", map[string]any{"file_id": ac.FileID, "chunk_id": ac.ChunkID, "reason": "Insufficient node resources for next hop"})
		return nil
	}
	net.chunks[ac.ID] = ac
	net.armTick()
	return ac
}

// attachHop acquires a nic reservation on ac's current hop's sender. Fails
// if the sender is unknown or its nic device is saturated.
func (net *Network) attachHop(ac *ActiveChunk) bool {
	sender := ac.Path[ac.HopIndex]
	n, ok := net.nodes[sender]
	if !ok {
		return false
	}
	pid, ok := n.StartChunkTransmission(ac.ChunkSize)
	if !ok {
		return false
	}
	ac.nicHolder = sender
	ac.nicPID = pid
	ac.nicHeld = true
	return true
}

// detachHop releases the nic reservation held for ac's current hop, if
// any. The link it vacates is re-split among its remaining flows on the
// next tick.
func (net *Network) detachHop(ac *ActiveChunk) {
	if !ac.nicHeld {
		return
	}
	if n, ok := net.nodes[ac.nicHolder]; ok {
		n.CompleteChunkTransmission(ac.nicPID)
	}
	ac.nicHeld = false
}

func (net *Network) armTick() {
	if net.tickScheduled || net.Sim == nil {
		return
	}
	if len(net.chunks) == 0 {
		return
	}
	net.tickScheduled = true
	_ = net.Sim.ScheduleIn(net.tickIntervalOrDefault(), 0, func(args ...any) {
		net.tickScheduled = false
		net.runTick()
	})
}

func (net *Network) tickIntervalOrDefault() float64 {
	if net.TickInterval <= 0 {
		return DefaultTickInterval
	}
	return net.TickInterval
}

// runTick is the per-tick fair scheduling pass: for every link currently
// carrying at least one flow, every flow on that link gets the same
// share = capacity/N regardless of its own remaining bytes, then each
// flow advances by its allocation, carrying any overflow bytes onto the
// next hop (spec.md §4.5.2). A share can exceed a chunk's remaining
// bytes; that's deliberate — it's where the overflow comes from.
func (net *Network) runTick() {
	if len(net.chunks) == 0 {
		return
	}
	byLink := make(map[linkKey][]*ActiveChunk)
	order := make([]int, 0, len(net.chunks))
	for id := range net.chunks {
		order = append(order, id)
	}
	sort.Ints(order)
	for _, id := range order {
		ac := net.chunks[id]
		if ac.HopIndex+1 >= len(ac.Path) {
			continue
		}
		u, v := ac.Path[ac.HopIndex], ac.Path[ac.HopIndex+1]
		key := newLinkKey(u, v)
		byLink[key] = append(byLink[key], ac)
	}

	interval := net.tickIntervalOrDefault()
	for key, flows := range byLink {
		capacityBps := net.linkCapacityBps(key.a, key.b)
		if capacityBps <= 0 {
			for _, ac := range flows {
				net.handleStalledHop(ac)
			}
			continue
		}
		budget := float64(capacityBps) * interval / 8 // bits/sec over one tick, as bytes
		share := budget / float64(len(flows))
		for _, ac := range flows {
			net.advanceChunk(ac, share)
		}
	}

	for id, ac := range net.chunks {
		if ac.HopIndex >= len(ac.Path)-1 {
			delete(net.chunks, id)
		}
	}
	net.armTick()
}

// advanceChunk applies bytesMoved to ac's current hop, carrying any
// overflow past the chunk's size onto the next hop's starting balance.
// Every hop transition detaches the nic reservation on the hop just
// vacated and attaches a fresh one on the new hop's sender; a saturated
// sender fails the chunk instead of advancing it (spec.md §4.5.2).
func (net *Network) advanceChunk(ac *ActiveChunk, bytesMoved float64) {
	ac.RemainingBytes -= bytesMoved
	if ac.RemainingBytes > 1e-9 {
		return
	}
	overflow := -ac.RemainingBytes
	net.detachHop(ac)
	ac.HopIndex++
	if ac.HopIndex >= len(ac.Path)-1 {
		if ac.onComplete != nil {
			ac.onComplete(net, ac)
		}
		return
	}
	ac.RemainingBytes = float64(ac.ChunkSize) - overflow
	if ac.RemainingBytes < 0 {
		ac.RemainingBytes = 0
	}
	if !net.attachHop(ac) {
		delete(net.chunks, ac.ID)
		if ac.onFail != nil {
			ac.onFail(net, ac, "Insufficient node resources for next hop")
		}
		net.emit("chunk_failed", map[string]any{"file_id": ac.FileID, "chunk_id": ac.ChunkID, "reason": "Insufficient node resources for next hop"})
	}
}

// handleStalledHop reroutes a chunk around a failed link/node, or fails
// it outright if no alternate path exists (spec.md §4.5.5). A reroute
// releases whatever nic reservation the stalled hop held and acquires a
// fresh one on the new path's first sender, failing the chunk if that
// sender has no spare capacity.
func (net *Network) handleStalledHop(ac *ActiveChunk) {
	cur := ac.Path[ac.HopIndex]
	dst := ac.Path[len(ac.Path)-1]
	net.detachHop(ac)
	newPath := net.computeRoute(cur, dst)
	if len(newPath) < 2 {
		delete(net.chunks, ac.ID)
		if ac.onFail != nil {
			ac.onFail(net, ac, "no-route")
		}
		net.emit("chunk_failed", map[string]any{"file_id": ac.FileID, "chunk_id": ac.ChunkID, "reason": "no-route"})
		return
	}
	ac.Path = newPath
	ac.HopIndex = 0
	if !net.attachHop(ac) {
		delete(net.chunks, ac.ID)
		if ac.onFail != nil {
			ac.onFail(net, ac, "Insufficient node resources for next hop")
		}
		net.emit("chunk_failed", map[string]any{"file_id": ac.FileID, "chunk_id": ac.ChunkID, "reason": "Insufficient node resources for next hop"})
	}
}
