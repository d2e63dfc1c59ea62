// Package spool persists encoded wire payloads to an append-only file and
// reads them back. Each record is a direction byte, an 8-byte big-endian
// Unix-nanosecond timestamp, a 4-byte big-endian length and the payload
// exactly as it travelled on the wire (compressed payloads included).
//
// Writes are batched by a background goroutine and guarded by a sidecar
// flock (path + ".lock") so several processes can share one spool file.
package spool

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrClosed      = errors.New("spool closed")
	ErrCorrupt     = errors.New("corrupt spool record")
)

// Direction records which way a payload travelled.
type Direction uint8

const (
	Outbound Direction = 1
	Inbound  Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "out"
	case Inbound:
		return "in"
	default:
		return "unknown"
	}
}

const (
	headerSize       = 1 + 8 + 4
	writerBufferSize = 256
	maxBatchBytes    = 1 << 20
	lockTimeout      = 5 * time.Second
	lockRetry        = 50 * time.Millisecond

	// maxRecordSize guards readers against a corrupt length field (256 MB).
	maxRecordSize = 256 << 20
)

// Record is one spooled payload.
type Record struct {
	Direction Direction
	Time      time.Time
	Payload   []byte
}

type writeOp struct {
	rec Record
	err chan error // nil for fire-and-forget records
}

// Writer appends records to a spool file.
type Writer struct {
	path string
	f    *os.File
	lock *flock.Flock
	now  func() time.Time

	ch   chan writeOp
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Create opens path for appending, creating it if needed, and starts the
// background writer.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	w := &Writer{
		path: path,
		f:    f,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
		ch:   make(chan writeOp, writerBufferSize),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Path returns the spool file path.
func (w *Writer) Path() string { return w.path }

// Record queues payload for writing and returns without waiting. The payload
// is copied.
func (w *Writer) Record(dir Direction, payload []byte) error {
	return w.enqueue(w.record(dir, payload), nil)
}

// Append writes payload and waits until it is on disk.
func (w *Writer) Append(dir Direction, payload []byte) error {
	errCh := make(chan error, 1)
	if err := w.enqueue(w.record(dir, payload), errCh); err != nil {
		return err
	}
	return <-errCh
}

// Flush waits until every record queued so far has been written.
func (w *Writer) Flush() error {
	errCh := make(chan error, 1)
	if err := w.enqueue(Record{}, errCh); err != nil {
		return err
	}
	return <-errCh
}

func (w *Writer) record(dir Direction, payload []byte) Record {
	return Record{Direction: dir, Time: w.now(), Payload: append([]byte{}, payload...)}
}

func (w *Writer) enqueue(rec Record, errCh chan error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	w.ch <- writeOp{rec: rec, err: errCh}
	return nil
}

// run frames records into one buffer while more are already queued, then
// commits the buffer under the file lock and answers every waiter with the
// result. Empty-payload ops only carry a waiter, which makes them barriers.
func (w *Writer) run() {
	defer close(w.done)

	buf := make([]byte, 0, 4096)
	var waiters []chan error
	commit := func() {
		err := w.commit(buf)
		for _, c := range waiters {
			c <- err
		}
		buf, waiters = buf[:0], waiters[:0]
	}

	for op := range w.ch {
		if op.rec.Payload != nil {
			buf = appendRecord(buf, op.rec)
		}
		if op.err != nil {
			waiters = append(waiters, op.err)
		}
		if len(w.ch) > 0 && len(buf) < maxBatchBytes {
			continue
		}
		commit()
	}
	commit()
}

func (w *Writer) commit(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := w.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !locked {
		return ErrLockTimeout
	}
	defer w.lock.Unlock()

	_, err = w.f.Write(buf)
	return err
}

func appendRecord(buf []byte, rec Record) []byte {
	var hdr [headerSize]byte
	hdr[0] = byte(rec.Direction)
	binary.BigEndian.PutUint64(hdr[1:9], uint64(rec.Time.UnixNano()))
	binary.BigEndian.PutUint32(hdr[9:], uint32(len(rec.Payload)))
	buf = append(buf, hdr[:]...)
	return append(buf, rec.Payload...)
}

// Close flushes queued records, stops the writer and closes the file. Safe
// to call multiple times.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	<-w.done
	return w.f.Close()
}

// Reader decodes records from a spool stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream. A
// truncated trailing record is reported as ErrCorrupt.
func (r *Reader) Next() (Record, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("%w: truncated header", ErrCorrupt)
		}
		return Record{}, err
	}
	dir := Direction(hdr[0])
	if dir != Outbound && dir != Inbound {
		return Record{}, fmt.Errorf("%w: direction 0x%02x", ErrCorrupt, hdr[0])
	}
	n := binary.BigEndian.Uint32(hdr[9:])
	if n > maxRecordSize {
		return Record{}, fmt.Errorf("%w: length %d", ErrCorrupt, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Record{}, fmt.Errorf("%w: truncated payload", ErrCorrupt)
	}
	return Record{
		Direction: dir,
		Time:      time.Unix(0, int64(binary.BigEndian.Uint64(hdr[1:9]))),
		Payload:   payload,
	}, nil
}

// ReadAll reads every record in the spool file at path under a shared lock.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	defer f.Close()

	fl := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := fl.TryRLockContext(ctx, lockRetry)
	if err != nil || !locked {
		return nil, ErrLockTimeout
	}
	defer fl.Unlock()

	var out []Record
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
