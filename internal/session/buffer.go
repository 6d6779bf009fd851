package session

import "strings"

// outputChunk is one retained slice of worker output.
type outputChunk struct {
	stream string
	data   []byte
}

// OutputBuffer keeps an ordered, byte-capped transcript of emitted chunks.
// When the cap is exceeded the oldest chunks are evicted whole, so late
// observers see a contiguous tail of the stream.
type OutputBuffer struct {
	chunks   []outputChunk
	size     int
	capBytes int
}

// NewOutputBuffer builds a buffer retaining at most capBytes of output.
func NewOutputBuffer(capBytes int) *OutputBuffer {
	return &OutputBuffer{capBytes: capBytes}
}

// Append stores a copy of data tagged with its stream, evicting from the
// front as needed. Chunks larger than the cap are truncated to their tail.
func (b *OutputBuffer) Append(stream string, data []byte) {
	if len(data) > b.capBytes {
		data = data[len(data)-b.capBytes:]
	}
	owned := make([]byte, len(data))
	copy(owned, data)

	b.chunks = append(b.chunks, outputChunk{stream: stream, data: owned})
	b.size += len(owned)

	for b.size > b.capBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0].data)
		b.chunks = b.chunks[1:]
	}
}

// Len returns the retained byte count.
func (b *OutputBuffer) Len() int { return b.size }

// String concatenates the retained chunks, oldest first, both streams
// interleaved in arrival order.
func (b *OutputBuffer) String() string {
	var sb strings.Builder
	sb.Grow(b.size)
	for _, c := range b.chunks {
		sb.Write(c.data)
	}
	return sb.String()
}

// StreamString concatenates only the chunks of one stream.
func (b *OutputBuffer) StreamString(stream string) string {
	var sb strings.Builder
	for _, c := range b.chunks {
		if c.stream == stream {
			sb.Write(c.data)
		}
	}
	return sb.String()
}
