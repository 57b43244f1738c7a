package engine

import "strings"

// Merge folds an incremental text fragment into the text accumulated so far
// for a turn and returns the merged result.
//
// Upstream transcription streams are inconsistent about delta style: some
// send append-only fragments, some resend the full text so far (cumulative
// replacement), and under reordering a stale fragment can arrive after a
// newer superset. Merge normalises all of these cases:
//
//   - empty delta: no-op
//   - delta starts with accumulated: cumulative replacement, take delta
//   - accumulated contains delta: redundant fragment, keep accumulated
//   - accumulated starts with delta: stale out-of-order fragment, keep accumulated
//   - otherwise: splice at the longest suffix of accumulated that prefixes
//     delta; with no overlap, append with a single separating space
//
// Merge is a pure function: replaying the same delta sequence always yields
// the same text, and merging a delta twice yields the same result as once.
func Merge(accumulated, delta string) string {
	if delta == "" {
		return accumulated
	}
	if accumulated == "" {
		return delta
	}
	if strings.HasPrefix(delta, accumulated) {
		return delta
	}
	if strings.Contains(accumulated, delta) {
		return accumulated
	}
	if strings.HasPrefix(accumulated, delta) {
		return accumulated
	}

	if n := overlap(accumulated, delta); n > 0 {
		return accumulated + delta[n:]
	}

	// No overlap at all: plain append. Normalise the seam to a single space
	// so fragment boundaries never glue words together or double up spaces.
	return strings.TrimRight(accumulated, " ") + " " + strings.TrimLeft(delta, " ")
}

// overlap returns the length of the longest suffix of a that is a prefix of
// b. Longest match wins so that repeated short tokens ("the the") splice at
// the latest possible point.
func overlap(a, b string) int {
	max := min(len(a), len(b))
	for n := max; n > 0; n-- {
		if a[len(a)-n:] == b[:n] {
			return n
		}
	}
	return 0
}
