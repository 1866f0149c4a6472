package audio

// sampleRing is a fixed-capacity FIFO of samples. Writing past capacity
// discards the oldest samples. It is not safe for concurrent use.
type sampleRing struct {
	buf  []float32
	head int // index of the oldest sample
	size int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]float32, capacity)}
}

// write appends samples and returns how many old samples were discarded.
func (r *sampleRing) write(samples []float32) int {
	capacity := len(r.buf)
	dropped := 0
	if len(samples) >= capacity {
		dropped = r.size + len(samples) - capacity
		copy(r.buf, samples[len(samples)-capacity:])
		r.head, r.size = 0, capacity
		return dropped
	}

	if over := r.size + len(samples) - capacity; over > 0 {
		r.head = (r.head + over) % capacity
		r.size -= over
		dropped = over
	}

	tail := (r.head + r.size) % capacity
	n := copy(r.buf[tail:], samples)
	copy(r.buf, samples[n:])
	r.size += len(samples)
	return dropped
}

// mixInto pops up to len(out) samples, adding each times gain into out.
// It returns the number of samples popped.
func (r *sampleRing) mixInto(out []float32, gain float32) int {
	n := len(out)
	if n > r.size {
		n = r.size
	}
	capacity := len(r.buf)
	for i := 0; i < n; i++ {
		out[i] += r.buf[(r.head+i)%capacity] * gain
	}
	r.head = (r.head + n) % capacity
	r.size -= n
	return n
}

// read pops up to len(dst) samples into dst and returns the count.
func (r *sampleRing) read(dst []float32) int {
	n := len(dst)
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return 0
	}
	capacity := len(r.buf)
	first := copy(dst[:n], r.buf[r.head:min(r.head+n, capacity)])
	copy(dst[first:n], r.buf[:n-first])
	r.head = (r.head + n) % capacity
	r.size -= n
	return n
}

func (r *sampleRing) len() int { return r.size }

func (r *sampleRing) free() int { return len(r.buf) - r.size }

func (r *sampleRing) clear() {
	r.head, r.size = 0, 0
}
