// Package frontend implements the plugin half of the bridge: the
// host-driven channel lifecycle, the credit-limited write path and the
// per-service TCP listeners on the user's workstation.
package frontend

import (
	"sync"

	"github.com/op/go-logging"

	soxy "github.com/H1d3r/soxy"
)

var log = logging.MustGetLogger("")

// Messages from the dispatcher toward the host: capacity 1, so a
// stalled transport applies backpressure to the whole frontend.
const FRONTEND_TO_VC_CHANNEL_SIZE = 1

// Messages from the host toward the dispatcher.
const FRONTEND_OUTPUT_CHANNEL_SIZE = 64

// HostChannel is a loaded virtual-channel binding of the hosting
// remote-desktop client.
type HostChannel interface {
	// Open asks the host to open the channel; the Opened event
	// reports the handle asynchronously.
	Open() error
	Terminate() error
}

// HostHandle is an opened virtual channel ready for writes.
type HostHandle interface {
	Write(data []byte) error
	Close() error
}

type state int

const (
	stateTerminated state = iota
	stateLoaded
	stateOpened
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateTerminated:
		return "TERMINATED"
	case stateLoaded:
		return "LOADED"
	case stateOpened:
		return "OPENED"
	case stateClosed:
		return "CLOSED"
	}
	return "INVALID"
}

type hostEventKind int

const (
	eventLoaded hostEventKind = iota
	eventOpened
	eventData
	eventWriteCancelled
	eventClosed
	eventTerminated
)

type hostEvent struct {
	kind   hostEventKind
	vc     HostChannel
	handle HostHandle
	data   []byte
}

// Control serializes the host-driven channel lifecycle. Host
// callbacks push events that RunHostEvents consumes; RunDispatcher
// consumes the frontend dispatcher's messages toward the host.
type Control struct {
	lock   sync.RWMutex
	state  state
	vc     HostChannel
	handle HostHandle

	events    *eventQueue
	toVc      chan soxy.Message
	out       chan soxy.Message
	quit      chan struct{}
	quitOnce  sync.Once
	assembler soxy.ChunkAssembler
}

func NewControl() *Control {
	return &Control{
		state:  stateTerminated,
		events: newEventQueue(),
		toVc:   make(chan soxy.Message, FRONTEND_TO_VC_CHANNEL_SIZE),
		out:    make(chan soxy.Message, FRONTEND_OUTPUT_CHANNEL_SIZE),
		quit:   make(chan struct{}),
	}
}

// Sink is what the frontend Channel writes toward the host.
func (c *Control) Sink() chan<- soxy.Message {
	return c.toVc
}

// Messages is the dispatcher's inbound queue.
func (c *Control) Messages() <-chan soxy.Message {
	return c.out
}

func (c *Control) IsOpened() bool {
	c.lock.RLock()
	opened := c.state == stateOpened
	c.lock.RUnlock()
	return opened
}

// Host callback surface. All of these only enqueue.

func (c *Control) Loaded(vc HostChannel) {
	c.events.push(hostEvent{kind: eventLoaded, vc: vc})
}

func (c *Control) Opened(handle HostHandle) {
	c.events.push(hostEvent{kind: eventOpened, handle: handle})
}

func (c *Control) DataReceived(data []byte) {
	owned := make([]byte, len(data))
	copy(owned, data)
	c.events.push(hostEvent{kind: eventData, data: owned})
}

func (c *Control) WriteCancelled() {
	c.events.push(hostEvent{kind: eventWriteCancelled})
}

func (c *Control) Closed() {
	c.events.push(hostEvent{kind: eventClosed})
}

func (c *Control) Terminated() {
	c.events.push(hostEvent{kind: eventTerminated})
}

func (c *Control) closeCurrent(terminate bool) {
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			log.Warningf("failed to close opened virtual channel: %v", err)
		}
		c.handle = nil
	}
	if terminate && c.vc != nil {
		if err := c.vc.Terminate(); err != nil {
			log.Warningf("failed to terminate old virtual channel: %v", err)
		}
		c.vc = nil
	}
}

func (c *Control) sendShutdown() {
	c.out <- soxy.ShutdownMessage()
}

// RunHostEvents consumes host events until the queue is closed. The
// error return is fatal for the plugin instance.
func (c *Control) RunHostEvents() error {
	for {
		event, ok := c.events.pop()
		if !ok {
			return nil
		}

		switch event.kind {
		case eventLoaded:
			log.Infof("changing to LOADED state")
			c.lock.Lock()
			c.closeCurrent(true)
			c.vc = event.vc
			c.state = stateLoaded
			if err := c.vc.Open(); err != nil {
				log.Errorf("failed to open virtual channel: %v", err)
			}
			c.lock.Unlock()

		case eventOpened:
			log.Infof("changing to OPENED state")
			c.lock.Lock()
			switch c.state {
			case stateOpened:
				//	replace the old handle
				c.closeCurrent(false)
				c.handle = event.handle
			case stateLoaded, stateClosed:
				c.handle = event.handle
				c.state = stateOpened
			case stateTerminated:
				if err := event.handle.Close(); err != nil {
					log.Warningf("failed to close handle in TERMINATED state: %v", err)
				}
			}
			c.lock.Unlock()

		case eventData:
			chunks, err := c.assembler.Push(event.data)
			for _, chunk := range chunks {
				c.out <- soxy.ChunkMessage(chunk)
			}
			if err != nil {
				return err
			}

		case eventWriteCancelled:
			c.lock.Lock()
			c.closeCurrent(true)
			c.lock.Unlock()
			c.sendShutdown()

		case eventClosed:
			log.Infof("changing to CLOSED state")
			c.lock.Lock()
			switch c.state {
			case stateLoaded, stateOpened:
				c.handle = nil
				c.state = stateClosed
				c.lock.Unlock()
				c.sendShutdown()
			default:
				c.lock.Unlock()
			}

		case eventTerminated:
			log.Infof("changing to TERMINATED state")
			c.lock.Lock()
			wasActive := c.state == stateLoaded || c.state == stateOpened
			c.vc = nil
			c.handle = nil
			c.state = stateTerminated
			c.lock.Unlock()
			if wasActive {
				c.sendShutdown()
			}
		}
	}
}

// RunDispatcher consumes messages from the frontend dispatcher and
// pushes chunk bytes into the opened handle.
func (c *Control) RunDispatcher() error {
	for {
		var msg soxy.Message
		select {
		case msg = <-c.toVc:
		case <-c.quit:
			return nil
		}
		switch {
		case msg.Chunk != nil:
			c.lock.RLock()
			state, handle := c.state, c.handle
			c.lock.RUnlock()
			if state != stateOpened || handle == nil {
				log.Warningf("cannot send chunk in %s state", state)
				continue
			}
			if err := handle.Write(msg.Chunk.Serialized()); err != nil {
				log.Errorf("failed to send chunk: %v", err)
			}

		case msg.InputSetting != nil:
			log.Warningf("no input client available")

		case msg.InputAction != nil:
			log.Warningf("no input client available")

		case msg.ResetClient:
			log.Warningf("no input client available")

		case msg.Shutdown:
			c.lock.Lock()
			c.closeCurrent(true)
			c.state = stateTerminated
			c.lock.Unlock()
		}
	}
}

// Stop ends both control loops; used when the plugin is unloaded.
func (c *Control) Stop() {
	c.events.close()
	c.quitOnce.Do(func() {
		close(c.quit)
	})
}
