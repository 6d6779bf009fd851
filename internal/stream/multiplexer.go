// Package stream drains a worker's stdout and stderr concurrently and
// forwards tagged, size-bounded chunks to a single ordered sink.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grahama1970/cc-executor/internal/logging"
)

// Stream names used to tag chunks.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Chunk is one tagged slice of worker output. Seq is assigned at the sink
// boundary and is strictly increasing per Drain call, so the caller can
// reconstruct the exact byte order.
type Chunk struct {
	Stream string
	Data   []byte
	Seq    uint64
}

// Sink receives chunks in order. It must be fast: a sink that blocks
// eventually exerts backpressure on the worker's pipes.
type Sink func(Chunk)

// Multiplexer drains both output pipes of a subprocess.
type Multiplexer struct {
	chunkSize  int
	maxRetries int
	logger     logging.Logger
}

const defaultReadRetries = 3

// NewMultiplexer builds a multiplexer emitting chunks of at most chunkSize
// bytes. Large single writes by the worker are split across chunks.
func NewMultiplexer(chunkSize int, logger logging.Logger) *Multiplexer {
	return &Multiplexer{
		chunkSize:  chunkSize,
		maxRetries: defaultReadRetries,
		logger:     logging.OrNop(logger),
	}
}

// Drain reads stdout and stderr until both reach end-of-stream, forwarding
// every chunk to sink. The two pipes are consumed concurrently: a full or
// slow stderr pipe never stops stdout from being drained, which would
// otherwise deadlock the child on a full OS pipe buffer.
//
// Drain returns once both streams are exhausted and every chunk has been
// delivered; callers use that single return as the completion signal.
func (m *Multiplexer) Drain(stdout, stderr io.Reader, sink Sink) error {
	chunks := make(chan Chunk, 256)

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		var seq uint64
		for c := range chunks {
			c.Seq = seq
			seq++
			sink(c)
		}
	}()

	var g errgroup.Group
	g.Go(func() error { return m.readLoop(Stdout, stdout, chunks) })
	g.Go(func() error { return m.readLoop(Stderr, stderr, chunks) })

	err := g.Wait()
	close(chunks)
	<-forwarded
	return err
}

// readLoop forwards fixed-size reads from one pipe. Transient read errors are
// retried a bounded number of times before escalating.
func (m *Multiplexer) readLoop(name string, r io.Reader, out chan<- Chunk) error {
	buf := make([]byte, m.chunkSize)
	retries := 0
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- Chunk{Stream: name, Data: data}
			retries = 0
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if isClosedPipe(err) {
				// The process was reaped and the pipe torn down under us.
				return nil
			}
			retries++
			if retries > m.maxRetries {
				return fmt.Errorf("read %s: %w", name, err)
			}
			m.logger.Warn("Transient read error on %s (attempt %d/%d): %v", name, retries, m.maxRetries, err)
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}
