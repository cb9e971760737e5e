package network

const (
	minChunkSizeBytes = 256 * 1024
	maxChunkSizeBytes = 32 * 1024 * 1024
)

// RecommendChunkSize picks a chunk size for a transfer given its total
// size and the path it will cross: more hops favor smaller chunks (a
// stalled chunk blocks less of the pipe behind it), matching
// StorageVirtualNode's own file-size tiers for a direct (single-hop)
// transfer and halving twice at most as hop count grows, per spec.md
// §4.5.7.
func RecommendChunkSize(fileSize int64, path []string) int64 {
	var base int64
	switch {
	case fileSize < 10*1024*1024:
		base = 512 * 1024
	case fileSize < 100*1024*1024:
		base = 2 * 1024 * 1024
	default:
		base = 10 * 1024 * 1024
	}
	hops := 0
	if len(path) > 1 {
		hops = len(path) - 1
	}
	halvings := hops - 1
	if halvings > 2 {
		halvings = 2
	}
	for i := 0; i < halvings; i++ {
		base /= 2
	}
	if base < minChunkSizeBytes {
		base = minChunkSizeBytes
	}
	if base > maxChunkSizeBytes {
		base = maxChunkSizeBytes
	}
	if base > fileSize {
		base = fileSize
	}
	if base < 1 {
		base = 1
	}
	return base
}
