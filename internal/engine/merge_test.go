package engine

import "testing"

func TestMerge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		accumulated string
		delta       string
		want        string
	}{
		{
			name:        "empty delta is a no-op",
			accumulated: "hello world",
			delta:       "",
			want:        "hello world",
		},
		{
			name:        "empty accumulated takes delta",
			accumulated: "",
			delta:       "hello",
			want:        "hello",
		},
		{
			name:        "cumulative replacement",
			accumulated: "hello",
			delta:       "hello world",
			want:        "hello world",
		},
		{
			name:        "redundant fragment keeps accumulated",
			accumulated: "hello world",
			delta:       "world",
			want:        "hello world",
		},
		{
			name:        "stale prefix keeps accumulated",
			accumulated: "hello world",
			delta:       "hello",
			want:        "hello world",
		},
		{
			name:        "identical delta is idempotent",
			accumulated: "hello world",
			delta:       "hello world",
			want:        "hello world",
		},
		{
			name:        "suffix prefix splice",
			accumulated: "the quick brown",
			delta:       "brown fox",
			want:        "the quick brown fox",
		},
		{
			name:        "splice takes longest overlap",
			accumulated: "ababab",
			delta:       "ababx",
			want:        "abababx",
		},
		{
			name:        "disjoint fragments append with one space",
			accumulated: "hello",
			delta:       "world",
			want:        "hello world",
		},
		{
			name:        "seam spaces normalise to one",
			accumulated: "hello ",
			delta:       " world",
			want:        "hello world",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Merge(tc.accumulated, tc.delta); got != tc.want {
				t.Errorf("Merge(%q, %q) = %q, want %q", tc.accumulated, tc.delta, got, tc.want)
			}
		})
	}
}

// Merging a delta a second time must never change the result.
func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	deltas := []string{"the", "the quick", "quick brown", "fox"}
	var acc string
	for _, d := range deltas {
		acc = Merge(acc, d)
		if again := Merge(acc, d); again != acc {
			t.Fatalf("Merge(%q, %q) = %q, not idempotent", acc, d, again)
		}
	}
	if acc != "the quick brown fox" {
		t.Errorf("accumulated = %q, want %q", acc, "the quick brown fox")
	}
}

// Replaying the same delta sequence must be deterministic.
func TestMergeDeterministic(t *testing.T) {
	t.Parallel()

	deltas := []string{"so I was", "I was thinking", "thinking about", "about it"}
	run := func() string {
		var acc string
		for _, d := range deltas {
			acc = Merge(acc, d)
		}
		return acc
	}
	first := run()
	for i := 0; i < 3; i++ {
		if got := run(); got != first {
			t.Fatalf("replay %d produced %q, want %q", i, got, first)
		}
	}
}

func TestOverlap(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want int
	}{
		{"abc", "cde", 1},
		{"abc", "bcd", 2},
		{"abc", "abc", 3},
		{"abc", "xyz", 0},
		{"", "abc", 0},
		{"the the", "the end", 3},
	}
	for _, tc := range cases {
		if got := overlap(tc.a, tc.b); got != tc.want {
			t.Errorf("overlap(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
