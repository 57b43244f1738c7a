package transcript

import "sync/atomic"

// Sequencer hands out the per-process monotonic sequence numbers that break
// timestamp ties in the [Message] sort law. The zero value is ready to use;
// the first call to Next returns 1 so that zero can mean "unassigned".
//
// Sequencer is safe for concurrent use, though the engine itself is a single
// writer — the atomic merely keeps diagnostics listeners honest.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number. Numbers are strictly increasing and
// never reused within a process.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the most recently issued sequence number, or 0 when none
// has been issued yet.
func (s *Sequencer) Current() uint64 {
	return s.n.Load()
}
