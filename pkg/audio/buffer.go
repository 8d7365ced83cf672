package audio

import (
	"fmt"
)

// Buffer is a byte slice with a read position. Consumers advance the
// position by the amount of bytes they took; whatever remains must be
// offered again later.
type Buffer struct {
	data     []byte
	position int
}

func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func EmptyBuffer() *Buffer {
	return &Buffer{}
}

// Bytes returns the unconsumed part of the buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data[b.position:]
}

func (b *Buffer) Remaining() int {
	if b == nil {
		return 0
	}
	return len(b.data) - b.position
}

func (b *Buffer) HasRemaining() bool {
	return b.Remaining() > 0
}

func (b *Buffer) Position() int {
	return b.position
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Advance marks n bytes as consumed.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.Remaining() {
		panic(fmt.Errorf("cannot advance by %d bytes, remaining: %d", n, b.Remaining()))
	}
	b.position += n
}

// Skip consumes everything that remains.
func (b *Buffer) Skip() {
	b.position = len(b.data)
}

// Reset replaces the content and rewinds the position.
func (b *Buffer) Reset(data []byte) {
	b.data = data
	b.position = 0
}

// InputBuffer is a reusable transfer buffer handed to producers.
type InputBuffer struct {
	Data        Buffer
	TimeUs      int64
	EndOfStream bool
}

// Fill copies data into the buffer storage (reusing its capacity).
func (b *InputBuffer) Fill(data []byte, timeUs int64) {
	storage := b.Data.data[:0]
	storage = append(storage, data...)
	b.Data.Reset(storage)
	b.TimeUs = timeUs
}

func (b *InputBuffer) SetEndOfStream(timeUs int64) {
	b.Data.Reset(b.Data.data[:0])
	b.TimeUs = timeUs
	b.EndOfStream = true
}

func (b *InputBuffer) Clear() {
	b.Data.Reset(b.Data.data[:0])
	b.TimeUs = 0
	b.EndOfStream = false
}
