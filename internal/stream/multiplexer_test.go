package stream

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
)

// collect runs Drain over the given readers and returns the chunks in
// delivery order.
func collect(t *testing.T, m *Multiplexer, stdout, stderr io.Reader) []Chunk {
	t.Helper()
	var (
		mu     sync.Mutex
		chunks []Chunk
	)
	err := m.Drain(stdout, stderr, func(c Chunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return chunks
}

func TestDrainBothStreams(t *testing.T) {
	m := NewMultiplexer(1024, nil)
	chunks := collect(t, m,
		strings.NewReader("out data"),
		strings.NewReader("err data"))

	var outSeen, errSeen bool
	for _, c := range chunks {
		switch c.Stream {
		case Stdout:
			outSeen = true
			if string(c.Data) != "out data" {
				t.Errorf("stdout data = %q", c.Data)
			}
		case Stderr:
			errSeen = true
			if string(c.Data) != "err data" {
				t.Errorf("stderr data = %q", c.Data)
			}
		default:
			t.Errorf("unknown stream %q", c.Stream)
		}
	}
	if !outSeen || !errSeen {
		t.Errorf("streams seen: stdout=%v stderr=%v", outSeen, errSeen)
	}
}

func TestSeqStrictlyIncreasing(t *testing.T) {
	m := NewMultiplexer(8, nil)
	chunks := collect(t, m,
		strings.NewReader(strings.Repeat("a", 100)),
		strings.NewReader(strings.Repeat("b", 100)))

	for i, c := range chunks {
		if c.Seq != uint64(i) {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
	}
}

func TestChunkSizeBound(t *testing.T) {
	m := NewMultiplexer(16, nil)
	chunks := collect(t, m,
		strings.NewReader(strings.Repeat("x", 1000)),
		strings.NewReader(""))

	total := 0
	for _, c := range chunks {
		if len(c.Data) > 16 {
			t.Errorf("chunk of %d bytes exceeds size bound", len(c.Data))
		}
		total += len(c.Data)
	}
	if total != 1000 {
		t.Errorf("total bytes = %d, want 1000", total)
	}
}

// TestStreamReconstruction checks that concatenating one stream's chunks in
// seq order reproduces the original byte sequence exactly.
func TestStreamReconstruction(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 512)
	m := NewMultiplexer(33, nil) // odd size so chunk boundaries never align
	chunks := collect(t, m,
		strings.NewReader(payload),
		strings.NewReader("interference from stderr"))

	var buf bytes.Buffer
	for _, c := range chunks {
		if c.Stream == Stdout {
			buf.Write(c.Data)
		}
	}
	if buf.String() != payload {
		t.Fatal("stdout reconstruction does not match original payload")
	}
}

// slowReader delivers its payload one byte at a time, forcing interleaving.
type slowReader struct {
	data []byte
	pos  int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestInterleavedStreamsKeepPerStreamOrder(t *testing.T) {
	m := NewMultiplexer(4, nil)
	chunks := collect(t, m,
		&slowReader{data: []byte("abcdefgh")},
		&slowReader{data: []byte("12345678")})

	var out, errs bytes.Buffer
	lastSeq := -1
	for _, c := range chunks {
		if int(c.Seq) <= lastSeq {
			t.Fatalf("seq went backwards: %d after %d", c.Seq, lastSeq)
		}
		lastSeq = int(c.Seq)
		if c.Stream == Stdout {
			out.Write(c.Data)
		} else {
			errs.Write(c.Data)
		}
	}
	if out.String() != "abcdefgh" {
		t.Errorf("stdout = %q", out.String())
	}
	if errs.String() != "12345678" {
		t.Errorf("stderr = %q", errs.String())
	}
}

// failingReader errors a fixed number of times before yielding data.
type failingReader struct {
	failures int
	inner    io.Reader
	err      error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.failures > 0 {
		r.failures--
		return 0, r.err
	}
	return r.inner.Read(p)
}

type tempErr struct{}

func (tempErr) Error() string { return "transient failure" }

func TestTransientReadErrorsRetried(t *testing.T) {
	m := NewMultiplexer(1024, nil)
	chunks := collect(t, m,
		&failingReader{failures: 2, inner: strings.NewReader("recovered"), err: tempErr{}},
		strings.NewReader(""))

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	if buf.String() != "recovered" {
		t.Errorf("data after retries = %q", buf.String())
	}
}

func TestPersistentReadErrorEscalates(t *testing.T) {
	m := NewMultiplexer(1024, nil)
	err := m.Drain(
		&failingReader{failures: 100, inner: strings.NewReader(""), err: tempErr{}},
		strings.NewReader(""),
		func(Chunk) {})
	if err == nil {
		t.Fatal("Drain swallowed a persistent read error")
	}
}

func TestClosedPipeTreatedAsEOF(t *testing.T) {
	m := NewMultiplexer(1024, nil)
	err := m.Drain(
		&failingReader{failures: 100, inner: strings.NewReader(""), err: io.ErrClosedPipe},
		strings.NewReader(""),
		func(Chunk) {})
	if err != nil {
		t.Fatalf("Drain on closed pipe: %v", err)
	}
}
