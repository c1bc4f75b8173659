package buffer

import "testing"

func TestAppendAssignsStrictlyIncreasingSequences(t *testing.T) {
	b := New(1024)

	var prev uint64
	for i := 0; i < 5; i++ {
		c := b.Append([]byte("line"), ChunkData, "", "")
		if c.Sequence <= prev {
			t.Fatalf("sequence did not increase: prev=%d got=%d", prev, c.Sequence)
		}
		prev = c.Sequence
	}
}

func TestReplayFromReturnsOnlyNewer(t *testing.T) {
	b := New(1024)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		c := b.Append([]byte("x"), ChunkData, "", "")
		seqs = append(seqs, c.Sequence)
	}

	replay := b.ReplayFrom(seqs[1])
	if len(replay) != 3 {
		t.Fatalf("expected 3 chunks after seq %d, got %d", seqs[1], len(replay))
	}
	for i, c := range replay {
		if c.Sequence != seqs[2+i] {
			t.Errorf("replay[%d] = %d, want %d", i, c.Sequence, seqs[2+i])
		}
	}
}

func TestReplayFromAheadOfCurrentReturnsEmpty(t *testing.T) {
	b := New(1024)
	b.Append([]byte("x"), ChunkData, "", "")

	replay := b.ReplayFrom(999)
	if len(replay) != 0 {
		t.Fatalf("expected empty replay, got %d chunks", len(replay))
	}
}

func TestEvictionKeepsSequencesMonotonicAcrossGaps(t *testing.T) {
	b := New(10)

	var last Chunk
	for i := 0; i < 20; i++ {
		last = b.Append([]byte("0123456789"), ChunkData, "", "")
	}

	stats := b.StatsSnapshot()
	if stats.ChunkCount != 1 {
		t.Fatalf("expected eviction to leave 1 chunk, got %d", stats.ChunkCount)
	}
	if b.GetLastSequence() != last.Sequence {
		t.Fatalf("GetLastSequence = %d, want %d", b.GetLastSequence(), last.Sequence)
	}
	if b.GetCurrentSequence() != last.Sequence {
		t.Fatalf("GetCurrentSequence = %d, want %d", b.GetCurrentSequence(), last.Sequence)
	}
}

func TestGetLastSequenceOnEmptyBufferIsZero(t *testing.T) {
	b := New(1024)
	if got := b.GetLastSequence(); got != 0 {
		t.Errorf("GetLastSequence on empty buffer = %d, want 0", got)
	}
}

func TestOversizePayloadIsStillStored(t *testing.T) {
	b := New(4)
	c := b.Append([]byte("this payload is much bigger than capacity"), ChunkData, "", "")
	if c.Sequence != 1 {
		t.Fatalf("expected oversize append to succeed with sequence 1, got %d", c.Sequence)
	}
	replay := b.ReplayFrom(0)
	if len(replay) != 1 {
		t.Fatalf("expected the oversize chunk to be retained, got %d chunks", len(replay))
	}
}

func TestClearPreservesSequenceCounter(t *testing.T) {
	b := New(1024)
	b.Append([]byte("a"), ChunkData, "", "")
	b.Append([]byte("b"), ChunkData, "", "")
	b.Clear()

	if b.GetLastSequence() != 0 {
		t.Errorf("GetLastSequence after Clear = %d, want 0 (nothing retained)", b.GetLastSequence())
	}

	next := b.Append([]byte("c"), ChunkData, "", "")
	if next.Sequence != 3 {
		t.Errorf("sequence after Clear = %d, want 3 (counter not reset)", next.Sequence)
	}
}

func TestGMCPChunkCarriesPackageAndData(t *testing.T) {
	b := New(1024)
	c := b.Append([]byte(`{"hp":100}`), ChunkGMCP, "Char.Vitals", `{"hp":100}`)
	if c.Type != ChunkGMCP || c.GMCPPackage != "Char.Vitals" {
		t.Errorf("GMCP chunk metadata not preserved: %+v", c)
	}
}
