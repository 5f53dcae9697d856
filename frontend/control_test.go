package frontend

import (
	"bytes"
	"testing"
	"time"

	soxy "github.com/H1d3r/soxy"
)

type fakeHostChannel struct {
	opened     chan struct{}
	terminated chan struct{}
}

func newFakeHostChannel() *fakeHostChannel {
	return &fakeHostChannel{
		opened:     make(chan struct{}, 4),
		terminated: make(chan struct{}, 4),
	}
}

func (f *fakeHostChannel) Open() error {
	f.opened <- struct{}{}
	return nil
}

func (f *fakeHostChannel) Terminate() error {
	f.terminated <- struct{}{}
	return nil
}

type fakeHostHandle struct {
	writes chan []byte
	closed chan struct{}
}

func newFakeHostHandle() *fakeHostHandle {
	return &fakeHostHandle{
		writes: make(chan []byte, 16),
		closed: make(chan struct{}, 4),
	}
}

func (f *fakeHostHandle) Write(data []byte) error {
	owned := make([]byte, len(data))
	copy(owned, data)
	f.writes <- owned
	return nil
}

func (f *fakeHostHandle) Close() error {
	f.closed <- struct{}{}
	return nil
}

func expect(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func startControl(t *testing.T) *Control {
	t.Helper()
	control := NewControl()
	go control.RunHostEvents()
	go control.RunDispatcher()
	t.Cleanup(control.Stop)
	return control
}

func TestControlLoadedRequestsOpen(t *testing.T) {
	control := startControl(t)

	vc := newFakeHostChannel()
	control.Loaded(vc)
	expect(t, vc.opened, "open request")
}

func TestControlDataReassemblyAcrossCallbacks(t *testing.T) {
	control := startControl(t)

	chunk, err := soxy.NewDataChunk(3, []byte("host fragmented delivery"))
	if err != nil {
		t.Fatal(err)
	}
	wire := chunk.Serialized()

	control.DataReceived(wire[:7])
	control.DataReceived(wire[7:])

	select {
	case msg := <-control.Messages():
		if msg.Chunk == nil {
			t.Fatalf("unexpected message %+v", msg)
		}
		if !bytes.Equal(msg.Chunk.Payload(), chunk.Payload()) {
			t.Fatalf("payload %q", msg.Chunk.Payload())
		}
	case <-time.After(time.Second):
		t.Fatal("no chunk delivered")
	}
}

func TestControlWritesOnlyWhenOpened(t *testing.T) {
	control := startControl(t)

	chunk, err := soxy.NewDataChunk(4, []byte("outbound"))
	if err != nil {
		t.Fatal(err)
	}

	//	not opened yet: the chunk is dropped with a warning
	control.Sink() <- soxy.ChunkMessage(chunk)
	time.Sleep(50 * time.Millisecond)

	vc := newFakeHostChannel()
	handle := newFakeHostHandle()
	control.Loaded(vc)
	expect(t, vc.opened, "open request")
	control.Opened(handle)
	if !waitOpened(control) {
		t.Fatal("control not opened")
	}

	control.Sink() <- soxy.ChunkMessage(chunk)
	select {
	case written := <-handle.writes:
		if !bytes.Equal(written, chunk.Serialized()) {
			t.Fatal("written bytes differ")
		}
	case <-time.After(time.Second):
		t.Fatal("chunk not written to handle")
	}
}

func waitOpened(control *Control) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if control.IsOpened() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestControlClosedSignalsShutdown(t *testing.T) {
	control := startControl(t)

	vc := newFakeHostChannel()
	handle := newFakeHostHandle()
	control.Loaded(vc)
	expect(t, vc.opened, "open request")
	control.Opened(handle)
	if !waitOpened(control) {
		t.Fatal("control not opened")
	}

	control.Closed()
	select {
	case msg := <-control.Messages():
		if !msg.Shutdown {
			t.Fatalf("expected shutdown, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no shutdown forwarded")
	}
}

func TestControlWriteCancelledTearsDown(t *testing.T) {
	control := startControl(t)

	vc := newFakeHostChannel()
	handle := newFakeHostHandle()
	control.Loaded(vc)
	expect(t, vc.opened, "open request")
	control.Opened(handle)
	if !waitOpened(control) {
		t.Fatal("control not opened")
	}

	control.WriteCancelled()

	expect(t, handle.closed, "handle close")
	expect(t, vc.terminated, "channel terminate")
	select {
	case msg := <-control.Messages():
		if !msg.Shutdown {
			t.Fatalf("expected shutdown, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no shutdown forwarded")
	}
}

func TestControlLoadedRetryTerminatesOldChannel(t *testing.T) {
	control := startControl(t)

	first := newFakeHostChannel()
	control.Loaded(first)
	expect(t, first.opened, "first open request")

	second := newFakeHostChannel()
	control.Loaded(second)
	expect(t, first.terminated, "old channel terminate")
	expect(t, second.opened, "second open request")
}
