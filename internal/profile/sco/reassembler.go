package sco

// Reassembler cuts a byte stream of arbitrary chunk sizes into blocks of
// a fixed size. Bytes that do not complete a block are carried into the
// next Push, so every input byte is emitted exactly once, in order.
type Reassembler struct {
	size     int
	leftover []byte
}

// NewReassembler creates a reassembler for blocks of size bytes.
func NewReassembler(size int) *Reassembler {
	if size <= 0 {
		panic("sco: block size must be positive")
	}
	return &Reassembler{size: size, leftover: make([]byte, 0, size)}
}

func (r *Reassembler) BlockSize() int { return r.size }

// Pending returns the number of carried bytes.
func (r *Reassembler) Pending() int { return len(r.leftover) }

// Reset drops the carried bytes.
func (r *Reassembler) Reset() { r.leftover = r.leftover[:0] }

// Push appends data and calls emit once per completed block. The block
// passed to emit is only valid for the duration of the call. Push returns
// the number of blocks emitted.
func (r *Reassembler) Push(data []byte, emit func(block []byte)) int {
	blocks := 0
	if len(r.leftover) > 0 {
		need := r.size - len(r.leftover)
		if len(data) < need {
			r.leftover = append(r.leftover, data...)
			return 0
		}
		r.leftover = append(r.leftover, data[:need]...)
		emit(r.leftover)
		blocks++
		r.leftover = r.leftover[:0]
		data = data[need:]
	}
	for len(data) >= r.size {
		emit(data[:r.size])
		blocks++
		data = data[r.size:]
	}
	r.leftover = append(r.leftover, data...)
	return blocks
}
