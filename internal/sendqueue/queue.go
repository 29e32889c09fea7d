// Package sendqueue implements the per-connection zero-copy-style send
// queue: a ready list of buffered/file segments waiting to be handed to the
// kernel, and a pending list of segments already handed off awaiting
// asynchronous completion, keyed by generation id.
package sendqueue

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/iptvgw/iptvgw/internal/pool"
)

// ErrClosed is returned by Enqueue* once the queue has been closed.
var ErrClosed = errors.New("sendqueue: closed")

// maxSegments bounds the scatter-gather vector Drain builds from the ready
// list in one call.
const maxSegments = 64

// Status is the outcome of a Drain call.
type Status int

const (
	// StatusOK means the ready list was fully consumed (possibly moving
	// entries into pending for async completion).
	StatusOK Status = iota
	// StatusBlocked means the kernel would block; caller should keep
	// write-readiness interest and retry later.
	StatusBlocked
	// StatusClosed means a fatal write error occurred; the connection
	// must be torn down.
	StatusClosed
)

// entry is one ready or pending segment: either a retained pool buffer or a
// file descriptor range.
type entry struct {
	buf   *pool.Buffer // nil for file segments
	file  *os.File     // nil for buffer segments
	off   int64
	n     int
	seq   uint64
	gen   uint64
	bytes int
}

func (e entry) length() int { return e.bytes }

// Queue is a per-connection send queue. Not safe for concurrent use by more
// than one goroutine at a time without external serialization — callers own
// one queue per connection and drive it from that connection's goroutine.
type Queue struct {
	mu sync.Mutex

	ready   []entry
	pending map[uint64]entry // keyed by generation id

	nextSeq uint64
	nextGen uint64

	oldestReadyAt time.Time

	closed bool

	// batching thresholds, per the connection layer's flush policy
	flushEntries int
	flushBytes   int
	flushDelay   time.Duration
}

// Config configures batching thresholds for should_flush.
type Config struct {
	FlushEntries int           // K
	FlushBytes   int           // T
	FlushDelay   time.Duration // D, defaults to 100ms
}

// New creates an empty Queue.
func New(cfg Config) *Queue {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 100 * time.Millisecond
	}
	return &Queue{
		pending:      make(map[uint64]entry),
		flushEntries: cfg.FlushEntries,
		flushBytes:   cfg.FlushBytes,
		flushDelay:   cfg.FlushDelay,
	}
}

// EnqueueBuffer appends a retained buffer reference to the ready list. The
// queue takes ownership of the caller's retain — callers must Retain()
// before calling this if they still need the buffer afterward.
func (q *Queue) EnqueueBuffer(b *pool.Buffer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.ready) == 0 {
		q.oldestReadyAt = time.Now()
	}
	q.nextSeq++
	q.ready = append(q.ready, entry{buf: b, seq: q.nextSeq, bytes: b.Len()})
	return nil
}

// EnqueueFile appends a file segment (fd, offset, length) to the ready
// list. File segments are not reference-counted; the file is held open
// until drained or the queue is destroyed, per the sendfile-equivalent
// path's semantics.
func (q *Queue) EnqueueFile(f *os.File, offset int64, length int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.ready) == 0 {
		q.oldestReadyAt = time.Now()
	}
	q.nextSeq++
	q.ready = append(q.ready, entry{file: f, off: offset, n: length, seq: q.nextSeq, bytes: length})
	return nil
}

// ShouldFlush reports whether the ready list has accumulated enough
// entries/bytes, or enough time has elapsed since the oldest ready entry,
// to warrant requesting writability notifications now.
func (q *Queue) ShouldFlush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shouldFlushLocked()
}

func (q *Queue) shouldFlushLocked() bool {
	if len(q.ready) == 0 {
		return false
	}
	if q.flushEntries > 0 && len(q.ready) >= q.flushEntries {
		return true
	}
	var total int
	for _, e := range q.ready {
		total += e.length()
	}
	if q.flushBytes > 0 && total >= q.flushBytes {
		return true
	}
	return time.Since(q.oldestReadyAt) >= q.flushDelay
}

// PendingEmpty reports whether both the ready and pending lists are empty.
// A connection may not be freed before this returns true.
func (q *Queue) PendingEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) == 0 && len(q.pending) == 0
}

// asyncWriter is implemented by a transport that can take ownership of a
// buffer for asynchronous completion instead of copying it into the kernel
// synchronously (e.g. a future io_uring- or MSG_ZEROCOPY-backed conn). When
// conn implements it, Drain moves the entry to pending keyed by the
// returned generation id instead of releasing it immediately.
type asyncWriter interface {
	WriteAsync(p []byte) (gen uint64, err error)
}

// Drain builds a scatter-gather vector of up to 64 segments from the ready
// list and issues writes against conn. Over a plain net.Conn, buffer
// segments are released synchronously on success; if conn also implements
// asyncWriter, entries instead move to pending awaiting OnCompletion. File
// segments are copied via a read+write fallback and their fd is closed by
// the caller once drained.
func (q *Queue) Drain(conn net.Conn) (int, Status) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, StatusClosed
	}
	n := len(q.ready)
	if n > maxSegments {
		n = maxSegments
	}
	batch := make([]entry, n)
	copy(batch, q.ready[:n])
	q.mu.Unlock()

	var total int
	for i, e := range batch {
		sent, status := q.drainOne(conn, e)
		total += sent
		if status != StatusOK {
			q.mu.Lock()
			q.ready = q.ready[i:]
			q.mu.Unlock()
			if status == StatusClosed {
				q.releaseAndClose()
			}
			return total, status
		}
	}

	q.mu.Lock()
	q.ready = q.ready[n:]
	if len(q.ready) == 0 {
		q.oldestReadyAt = time.Time{}
	}
	q.mu.Unlock()
	return total, StatusOK
}

func (q *Queue) drainOne(conn net.Conn, e entry) (int, Status) {
	var data []byte
	if e.buf != nil {
		data = e.buf.Bytes()
	} else {
		buf := make([]byte, e.n)
		if _, err := e.file.ReadAt(buf, e.off); err != nil {
			return 0, StatusClosed
		}
		data = buf
	}

	if aw, ok := conn.(asyncWriter); ok && e.buf != nil {
		gen, err := aw.WriteAsync(data)
		if err != nil {
			if isTimeoutOrWouldBlock(err) {
				return 0, StatusBlocked
			}
			e.buf.Release()
			return 0, StatusClosed
		}
		e.gen = gen
		q.mu.Lock()
		q.pending[gen] = e
		q.mu.Unlock()
		return len(data), StatusOK
	}

	written := 0
	for written < len(data) {
		n, err := conn.Write(data[written:])
		written += n
		if err != nil {
			if isTimeoutOrWouldBlock(err) && written == 0 {
				return 0, StatusBlocked
			}
			if e.buf != nil {
				e.buf.Release()
			}
			return written, StatusClosed
		}
	}

	if e.buf != nil {
		e.buf.Release()
	}
	return written, StatusOK
}

// OnCompletion is invoked when the transport signals that every generation
// id in [low, high] has been consumed by the kernel. Every matching pending
// entry is removed and its buffer reference released exactly once.
func (q *Queue) OnCompletion(low, high uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for gen, e := range q.pending {
		if gen < low || gen > high {
			continue
		}
		if e.buf != nil {
			e.buf.Release()
		}
		delete(q.pending, gen)
	}
}

func isTimeoutOrWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// releaseAndClose drops every remaining reference in ready and pending on a
// fatal close, so a connection teardown never leaks a buffer refcount.
func (q *Queue) releaseAndClose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.ready {
		if e.buf != nil {
			e.buf.Release()
		}
	}
	for _, e := range q.pending {
		if e.buf != nil {
			e.buf.Release()
		}
	}
	q.ready = nil
	q.pending = make(map[uint64]entry)
	q.closed = true
}

// Close tears down the queue, releasing every held reference. Callers
// should only do this once PendingEmpty() is true in the graceful path;
// Close itself does not wait.
func (q *Queue) Close() {
	q.releaseAndClose()
}
