package sfu

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestWorkerPortSlice(t *testing.T) {
	tests := []struct {
		name           string
		index, count   int
		min, max       int
		wantLo, wantHi uint16
	}{
		{"first of four", 0, 4, 20000, 25000, 20000, 21249},
		{"middle of four", 2, 4, 20000, 25000, 22500, 23749},
		{"last absorbs remainder", 3, 4, 20000, 25000, 23750, 25000},
		{"single worker", 0, 1, 20000, 25000, 20000, 25000},
		{"range too small to partition", 5, 8, 20000, 20009, 20000, 20009},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := workerPortSlice(tt.index, tt.count, tt.min, tt.max)
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Fatalf("workerPortSlice(%d, %d, %d, %d) = [%d,%d], want [%d,%d]",
					tt.index, tt.count, tt.min, tt.max, lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func TestWorkerPortSlicesCoverRange(t *testing.T) {
	const (
		count = 5
		min   = 30000
		max   = 30999
	)
	prevHi := min - 1
	for i := 0; i < count; i++ {
		lo, hi := workerPortSlice(i, count, min, max)
		if int(lo) != prevHi+1 {
			t.Fatalf("slice %d starts at %d, want %d", i, lo, prevHi+1)
		}
		if hi < lo {
			t.Fatalf("slice %d inverted: [%d,%d]", i, lo, hi)
		}
		prevHi = int(hi)
	}
	if prevHi != max {
		t.Fatalf("last slice ends at %d, want %d", prevHi, max)
	}
}

func TestWorkerCreatesPeerConnections(t *testing.T) {
	w, err := newWorker(0, 2, 20000, 25000)
	if err != nil {
		t.Fatalf("newWorker: %v", err)
	}
	if w.Index() != 0 {
		t.Fatalf("worker index = %d, want 0", w.Index())
	}

	pc, err := w.newPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("newPeerConnection: %v", err)
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("close peer connection: %v", err)
	}
}
