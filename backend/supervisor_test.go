package backend

import (
	"testing"
	"time"

	soxy "github.com/H1d3r/soxy"
)

type fakeVc struct {
	handle Handle
}

func (v *fakeVc) Open(name string) (Handle, error) {
	return v.handle, nil
}

// One channel lifetime: a read failure must close the handle, end
// every registered stream and stop both pumps.
func TestRunChannelTearsDownOnReadError(t *testing.T) {
	toVc := make(chan soxy.Message, soxy.TO_VC_CHANNEL_SIZE)
	fromVc := make(chan soxy.Message, soxy.TO_VC_CHANNEL_SIZE)

	channel := soxy.NewChannel(toVc)
	go channel.Run(soxy.KindBackend, fromVc)

	//	empty script: the first read reports failure
	handle := &scriptedHandle{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runChannel(&fakeVc{handle: handle}, soxy.VIRTUAL_CHANNEL_DEFAULT_NAME, toVc, fromVc)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel lifetime did not end")
	}
	if !handle.closed {
		t.Fatal("handle not closed")
	}
}

func TestRunChannelDrainsStaleMessages(t *testing.T) {
	toVc := make(chan soxy.Message, soxy.TO_VC_CHANNEL_SIZE)
	fromVc := make(chan soxy.Message, soxy.TO_VC_CHANNEL_SIZE)

	channel := soxy.NewChannel(toVc)
	go channel.Run(soxy.KindBackend, fromVc)

	//	a shutdown left over from a previous lifetime must not wedge
	//	the fresh cycle
	toVc <- soxy.ShutdownMessage()

	handle := &scriptedHandle{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runChannel(&fakeVc{handle: handle}, soxy.VIRTUAL_CHANNEL_DEFAULT_NAME, toVc, fromVc)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel lifetime did not end")
	}
	if !handle.closed {
		t.Fatal("handle not closed")
	}
}
