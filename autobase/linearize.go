package autobase

import "bytes"

// pending is one not-yet-linearized entry pulled from a writer's LogCore.
type pending struct {
	writerKey []byte // raw bytes
	writerB58 string
	index     uint64
	env       envelope
}

// ready reports whether p's recorded dependencies are already satisfied by
// linearized, i.e. every (writer, seq) pair p's clock names has already had
// at least seq entries from that writer linearized.
func (p pending) ready(linearized map[string]uint64) bool {
	for w, seq := range p.env.clock {
		if linearized[w] < seq {
			return false
		}
	}
	return true
}

// pickNext orders by dependency closure first (only entries whose embedded
// vector-clock dependencies are already satisfied are eligible), then by a
// stable tiebreak among concurrently-eligible entries: lexicographic
// comparison of the raw writer public key, which is total, cheap, and
// identical on every node since it depends only on the key itself, not on
// arrival order.
func pickNext(frontier []pending, linearized map[string]uint64) int {
	best := -1
	for i, p := range frontier {
		if !p.ready(linearized) {
			continue
		}
		if best == -1 || bytes.Compare(p.writerKey, frontier[best].writerKey) < 0 {
			best = i
		}
	}
	return best
}
