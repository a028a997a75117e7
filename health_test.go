package melodix

import (
	"math"
	"testing"
)

func TestPenaltyInfiniteWhenNotReady(t *testing.T) {
	s := NodeStats{Players: 5}
	if got := s.penalty(false); !math.IsInf(got, 1) {
		t.Errorf("penalty(false) = %v, want +Inf", got)
	}
}

func TestPenaltyIdleNodeIsJustPlayerCount(t *testing.T) {
	s := NodeStats{Players: 3}
	s.CPU.Cores = 4
	s.CPU.SystemLoad = 0

	got := s.penalty(true)
	if got != 3 {
		t.Errorf("penalty(true) = %v, want 3 for idle node with 3 players", got)
	}
}

func TestPenaltyAccountsForMemoryAndFrameStats(t *testing.T) {
	s := NodeStats{Players: 0}
	s.CPU.Cores = 1
	s.Memory.Used = 2 * bytesPerMiB
	s.FrameStats.Deficit = 3000
	s.FrameStats.Nulled = 1500

	got := s.penalty(true)
	want := 2.0 + 1.0 + 1.0 // 2 MiB used + deficit/3000 + 2*nulled/3000
	if got != want {
		t.Errorf("penalty(true) = %v, want %v", got, want)
	}
}

func TestPenaltyHigherLoadIsWorse(t *testing.T) {
	low := NodeStats{}
	low.CPU.Cores = 4
	low.CPU.SystemLoad = 0.1

	high := NodeStats{}
	high.CPU.Cores = 4
	high.CPU.SystemLoad = 0.9

	if low.penalty(true) >= high.penalty(true) {
		t.Errorf("penalty under low load (%v) should be less than under high load (%v)",
			low.penalty(true), high.penalty(true))
	}
}
