package pipeline

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// referenceQueue buffers far-end playback samples for the echo
// canceller. Writes that would overflow evict the oldest samples, so a
// consumer that falls behind loses history instead of blocking the
// playback path.
type referenceQueue struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

// newReferenceQueue creates a queue holding up to capacity samples.
func newReferenceQueue(capacity int) *referenceQueue {
	return &referenceQueue{
		rb: ringbuffer.New(capacity * 4),
	}
}

// push appends samples, evicting the oldest on overflow. Sample counts
// beyond the queue capacity keep only the trailing window.
func (q *referenceQueue) push(samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(s))
	}

	if len(data) > q.rb.Capacity() {
		data = data[len(data)-q.rb.Capacity():]
	}

	if free := q.rb.Free(); free < len(data) {
		discard := make([]byte, len(data)-free)
		q.rb.Read(discard)
	}

	q.rb.Write(data)
}

// pop returns exactly n samples in arrival order, zero-padded at the
// front when fewer are buffered so the newest reference stays aligned
// with the newest capture samples.
func (q *referenceQueue) pop(n int) []float32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	avail := q.rb.Length() / 4
	take := n
	if take > avail {
		take = avail
	}

	samples := make([]float32, n)
	if take == 0 {
		return samples
	}

	data := make([]byte, take*4)
	q.rb.Read(data)

	offset := n - take
	for i := 0; i < take; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[offset+i] = math.Float32frombits(bits)
	}
	return samples
}

// available returns the number of buffered samples.
func (q *referenceQueue) available() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rb.Length() / 4
}

// reset discards all buffered samples.
func (q *referenceQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rb.Reset()
}
