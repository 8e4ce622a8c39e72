package client

// OutputRing keeps the last N tool output chunks. Tool output is ephemeral
// and unbounded, so the view holds a fixed window instead of the full log.
type OutputRing struct {
	buf   []string
	start int
	size  int
}

// NewOutputRing builds a ring holding up to capacity chunks.
func NewOutputRing(capacity int) *OutputRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutputRing{buf: make([]string, capacity)}
}

// Push appends a chunk, evicting the oldest when full.
func (r *OutputRing) Push(chunk string) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = chunk
		r.size++
		return
	}
	r.buf[r.start] = chunk
	r.start = (r.start + 1) % len(r.buf)
}

// Lines returns the retained chunks, oldest first.
func (r *OutputRing) Lines() []string {
	out := make([]string, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len reports how many chunks are retained.
func (r *OutputRing) Len() int {
	return r.size
}

// Reset drops everything, for the exactly-once recovery reset.
func (r *OutputRing) Reset() {
	r.start, r.size = 0, 0
}
