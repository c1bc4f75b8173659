// Package buffer implements the per-session circular output log: a
// bounded, ordered, sequence-numbered FIFO of server output chunks that
// supports replay-from-sequence on client resume.
package buffer

import (
	"sync"
	"time"
)

// ChunkType distinguishes plain telnet text from extracted GMCP payloads.
type ChunkType int

const (
	// ChunkData is clean (IAC-stripped) text from the MUD.
	ChunkData ChunkType = iota
	// ChunkGMCP is a structured GMCP package/data pair.
	ChunkGMCP
)

// Chunk is a single retained unit of server output.
type Chunk struct {
	Sequence   uint64
	Timestamp  time.Time
	Type       ChunkType
	Payload    []byte
	GMCPPackage string
	GMCPData    string
}

// Stats reports the buffer's current occupancy.
type Stats struct {
	OccupiedBytes  int
	CapacityBytes  int
	ChunkCount     int
	CurrentSequence uint64
}

// CircularBuffer is a fixed-byte-capacity FIFO of Chunks, owned
// exclusively by one Session. Sequence numbers are strictly monotonic
// and persist across eviction: the counter tracks chunks ever
// appended, not chunks currently retained, so a gap in retained
// sequences is informative (permanently-lost data) rather than an
// error condition.
type CircularBuffer struct {
	mu            sync.Mutex
	capacityBytes int
	chunks        []Chunk
	occupiedBytes int
	nextSequence  uint64
}

// New creates a CircularBuffer with the given soft byte capacity.
func New(capacityBytes int) *CircularBuffer {
	return &CircularBuffer{capacityBytes: capacityBytes}
}

// Append assigns the next sequence number to payload, evicts the
// oldest retained chunks until it fits within capacity, stores it, and
// returns the stored Chunk so the caller can broadcast it. Append
// never fails structurally: a single oversize payload is still stored
// even if it alone exceeds capacity (soft cap — caller policy).
func (b *CircularBuffer) Append(payload []byte, typ ChunkType, gmcpPackage, gmcpData string) Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSequence++
	chunk := Chunk{
		Sequence:    b.nextSequence,
		Timestamp:   time.Now(),
		Type:        typ,
		Payload:     append([]byte(nil), payload...),
		GMCPPackage: gmcpPackage,
		GMCPData:    gmcpData,
	}

	payloadBytes := len(chunk.Payload)
	for b.occupiedBytes+payloadBytes > b.capacityBytes && len(b.chunks) > 0 {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.occupiedBytes -= len(evicted.Payload)
	}

	b.chunks = append(b.chunks, chunk)
	b.occupiedBytes += payloadBytes

	return chunk
}

// ReplayFrom returns, in order, every retained chunk with
// sequence > seq. Returns an empty (non-nil-safe) slice if nothing
// newer is retained, including when seq is ahead of the current
// sequence.
func (b *CircularBuffer) ReplayFrom(seq uint64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Chunk, 0, len(b.chunks))
	for _, c := range b.chunks {
		if c.Sequence > seq {
			out = append(out, c)
		}
	}
	return out
}

// GetLastSequence returns the sequence of the most recently appended
// chunk still retained, or 0 if no chunk is retained (nothing appended
// yet, or everything cleared). This mirrors the source convention noted in spec.md §9:
// 0 means "none", not "sequence zero was assigned".
func (b *CircularBuffer) GetLastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return 0
	}
	return b.chunks[len(b.chunks)-1].Sequence
}

// GetCurrentSequence returns the highest sequence ever assigned,
// whether or not that chunk is still retained.
func (b *CircularBuffer) GetCurrentSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSequence
}

// Clear discards all retained chunks. The sequence counter is left
// untouched so future Append calls keep issuing strictly increasing
// sequences.
func (b *CircularBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.occupiedBytes = 0
}

// StatsSnapshot reports current occupancy for diagnostics.
func (b *CircularBuffer) StatsSnapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		OccupiedBytes:   b.occupiedBytes,
		CapacityBytes:   b.capacityBytes,
		ChunkCount:      len(b.chunks),
		CurrentSequence: b.nextSequence,
	}
}
