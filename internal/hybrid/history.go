package hybrid

import "github.com/cespare/xxhash/v2"

// historySize bounds how many of this client's own writes are remembered per
// document for stale-echo detection.
const historySize = 16

// history is a fixed-size ring of payload hashes.
type history struct {
	hashes [historySize]uint64
	next   int
	n      int
}

func (h *history) add(payload string) {
	h.hashes[h.next] = xxhash.Sum64String(payload)
	h.next = (h.next + 1) % historySize
	if h.n < historySize {
		h.n++
	}
}

func (h *history) contains(payload string) bool {
	sum := xxhash.Sum64String(payload)
	for i := 0; i < h.n; i++ {
		if h.hashes[i] == sum {
			return true
		}
	}
	return false
}

// reset forgets every remembered write.
func (h *history) reset() {
	*h = history{}
}
