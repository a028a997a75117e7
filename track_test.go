package melodix

import "testing"

func TestWithRequesterDoesNotMutateOriginal(t *testing.T) {
	original := Track{Encoded: "abc"}
	withRequester := original.WithRequester("user-1")

	if original.Requester != "" {
		t.Errorf("original.Requester = %q, want empty", original.Requester)
	}
	if withRequester.Requester != "user-1" {
		t.Errorf("withRequester.Requester = %q, want user-1", withRequester.Requester)
	}
}

func TestTrackEqualsByEncodedString(t *testing.T) {
	a := Track{Encoded: "same", Info: TrackInfo{Title: "A"}}
	b := Track{Encoded: "same", Info: TrackInfo{Title: "B"}}
	c := Track{Encoded: "different"}

	if !trackEquals(&a, &b) {
		t.Error("trackEquals(a, b) = false, want true (same Encoded)")
	}
	if trackEquals(&a, &c) {
		t.Error("trackEquals(a, c) = true, want false (different Encoded)")
	}
	if !trackEquals(nil, nil) {
		t.Error("trackEquals(nil, nil) = false, want true")
	}
	if trackEquals(&a, nil) {
		t.Error("trackEquals(a, nil) = true, want false")
	}
}
