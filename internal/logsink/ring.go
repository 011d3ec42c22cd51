package logsink

// ring keeps the newest cap lines; pushing into a full ring drops the oldest.
type ring struct {
	buf   []string
	start int
	n     int
}

func newRing(capacity int) *ring { return &ring{buf: make([]string, capacity)} }

func (r *ring) push(s string) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) drain() []string {
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
		r.buf[(r.start+i)%len(r.buf)] = ""
	}
	r.start, r.n = 0, 0
	return out
}
