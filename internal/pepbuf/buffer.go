// Package pepbuf implements the fixed-capacity byte ring used by each
// proxy endpoint. It exposes contiguous writable/readable region slices so a
// socket read or write can target the backing array directly, with no extra
// copy between the kernel and the splice loop.
package pepbuf

// DefaultCapacity is the ring size used when a connection's buffers are
// allocated on the CONNECTING->OPEN transition.
const DefaultCapacity = 32 * 1024

// Buffer is a single-producer-single-consumer ring: one goroutine fills it
// via Writable/AdvanceWrite (the splice loop reading from a socket), the
// same goroutine drains it via Readable/AdvanceRead (writing to the peer
// socket). It is not safe for concurrent use by more than one goroutine at
// a time; the worker that owns a descriptor's splice is the only caller.
type Buffer struct {
	data        []byte
	readPos     int // next byte to hand out via Readable
	writePos    int // next byte to fill via Writable
	count       int // bytes currently buffered
	initialized bool
}

// Init allocates the backing array. Calling Init on an already-initialized
// buffer is a programming error.
func (b *Buffer) Init(capacity int) {
	if b.initialized {
		panic("pepbuf: Init called on an already-initialized buffer")
	}
	if capacity <= 0 {
		panic("pepbuf: capacity must be positive")
	}
	b.data = make([]byte, capacity)
	b.readPos = 0
	b.writePos = 0
	b.count = 0
	b.initialized = true
}

// Deinit releases the backing array. Deinit on an uninitialized buffer is a
// programming error, matching the C original's paired init/deinit discipline.
func (b *Buffer) Deinit() {
	if !b.initialized {
		panic("pepbuf: Deinit called on an uninitialized buffer")
	}
	b.data = nil
	b.readPos = 0
	b.writePos = 0
	b.count = 0
	b.initialized = false
}

// Initialized reports whether Init has been called without a matching Deinit.
func (b *Buffer) Initialized() bool {
	return b.initialized
}

// Empty reports whether the buffer holds no bytes.
func (b *Buffer) Empty() bool {
	return b.count == 0
}

// Full reports whether the buffer holds capacity bytes.
func (b *Buffer) Full() bool {
	return b.count == len(b.data)
}

// Writable returns the contiguous region a socket read should fill next.
// Its length is the space currently available for writing; it may be
// shorter than the total free space when the free region wraps around the
// end of the backing array — the caller should re-call Writable after an
// AdvanceWrite to pick up any remaining wrapped space.
func (b *Buffer) Writable() []byte {
	if !b.initialized {
		panic("pepbuf: Writable called on an uninitialized buffer")
	}
	if b.Full() {
		return nil
	}
	cap := len(b.data)
	if b.writePos >= b.readPos {
		// Free space runs from writePos to the end of the array and,
		// once drained, wraps to the start. We can only offer a single
		// contiguous slice, so we expose the tail; a caller that fills
		// it should call Writable again to reach the wrapped remainder.
		return b.data[b.writePos:cap]
	}
	return b.data[b.writePos:b.readPos]
}

// Readable returns the contiguous region a socket write should drain next.
// As with Writable, the caller should re-call Readable after an AdvanceRead
// to pick up any remaining wrapped data.
func (b *Buffer) Readable() []byte {
	if !b.initialized {
		panic("pepbuf: Readable called on an uninitialized buffer")
	}
	if b.Empty() {
		return nil
	}
	cap := len(b.data)
	if b.readPos < b.writePos {
		return b.data[b.readPos:b.writePos]
	}
	return b.data[b.readPos:cap]
}

// AdvanceWrite records that n bytes were written into the slice most
// recently returned by Writable. Advancing past the writable region's
// length, or past remaining capacity, is a programming error.
func (b *Buffer) AdvanceWrite(n int) {
	if n < 0 {
		panic("pepbuf: AdvanceWrite with negative n")
	}
	if n == 0 {
		return
	}
	if b.count+n > len(b.data) {
		panic("pepbuf: AdvanceWrite overruns capacity")
	}
	cap := len(b.data)
	b.writePos = (b.writePos + n) % cap
	b.count += n
	b.compactIfEmpty()
}

// AdvanceRead records that n bytes were consumed from the slice most
// recently returned by Readable. Advancing past the buffered byte count is
// a programming error.
func (b *Buffer) AdvanceRead(n int) {
	if n < 0 {
		panic("pepbuf: AdvanceRead with negative n")
	}
	if n == 0 {
		return
	}
	if n > b.count {
		panic("pepbuf: AdvanceRead overruns buffered count")
	}
	cap := len(b.data)
	b.readPos = (b.readPos + n) % cap
	b.count -= n
	b.compactIfEmpty()
}

// compactIfEmpty resets both positions to the start of the array once the
// buffer drains, so the next Writable call always offers the largest
// possible contiguous region instead of a short tail followed by a wrap.
func (b *Buffer) compactIfEmpty() {
	if b.count == 0 {
		b.readPos = 0
		b.writePos = 0
	}
}
