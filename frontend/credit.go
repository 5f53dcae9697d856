package frontend

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// The RDP host acknowledges each write with WRITE_COMPLETE (or
// WRITE_CANCELLED); at most this many writes may be outstanding.
const MAX_CHUNKS_IN_FLIGHT = 64

// MarkedWriter issues one host write tagged with a marker the host
// echoes back in its completion event.
type MarkedWriter interface {
	WriteMarked(marker uint32, data []byte) error
}

// WriteStatus is the credit-based write limiter: a permit is acquired
// per write and released when the host reports completion or
// cancellation of the tagged marker.
type WriteStatus struct {
	lock    sync.Mutex
	sent    map[uint32][]byte
	canSend *semaphore.Weighted
	counter uint32
}

func NewWriteStatus() *WriteStatus {
	return &WriteStatus{
		sent:    make(map[uint32][]byte),
		canSend: semaphore.NewWeighted(MAX_CHUNKS_IN_FLIGHT),
	}
}

// Write blocks until a credit is available, then issues the host
// write. The buffer is retained until the host acknowledges it.
func (w *WriteStatus) Write(writer MarkedWriter, data []byte) error {
	marker := atomic.AddUint32(&w.counter, 1) - 1

	if err := w.canSend.Acquire(context.Background(), 1); err != nil {
		return err
	}

	w.lock.Lock()
	w.sent[marker] = data
	w.lock.Unlock()

	if err := writer.WriteMarked(marker, data); err != nil {
		w.ack(marker)
		return err
	}
	return nil
}

func (w *WriteStatus) ack(marker uint32) {
	w.lock.Lock()
	_, ok := w.sent[marker]
	if ok {
		delete(w.sent, marker)
	}
	w.lock.Unlock()
	if ok {
		w.canSend.Release(1)
	}
}

func (w *WriteStatus) Complete(marker uint32) {
	w.ack(marker)
}

func (w *WriteStatus) Cancelled(marker uint32) {
	w.ack(marker)
}

// InFlight returns the number of writes pending acknowledgement.
func (w *WriteStatus) InFlight() int {
	w.lock.Lock()
	n := len(w.sent)
	w.lock.Unlock()
	return n
}

// Reset drops the in-flight map and restores every credit; called on
// channel disconnect.
func (w *WriteStatus) Reset() {
	w.lock.Lock()
	n := len(w.sent)
	w.sent = make(map[uint32][]byte)
	w.lock.Unlock()
	if n > 0 {
		w.canSend.Release(int64(n))
	}
}

// CreditedHandle turns a marked host writer into the HostHandle the
// control loop writes to, so every outbound chunk goes through the
// credit limiter. The host SDK shim feeds Complete/Cancelled from its
// completion callbacks.
type CreditedHandle struct {
	writer MarkedWriter
	status *WriteStatus
	closer func() error
}

func NewCreditedHandle(writer MarkedWriter, status *WriteStatus, closer func() error) *CreditedHandle {
	return &CreditedHandle{
		writer: writer,
		status: status,
		closer: closer,
	}
}

func (h *CreditedHandle) Write(data []byte) error {
	return h.status.Write(h.writer, data)
}

func (h *CreditedHandle) Close() error {
	h.status.Reset()
	if h.closer != nil {
		return h.closer()
	}
	return nil
}
