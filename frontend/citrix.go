package frontend

import (
	"errors"
)

// Citrix hosts poll for outgoing data instead of completing writes
// asynchronously: buffers queue up and each poll tick drains a batch.

// Capacity of the outgoing buffer queue.
const POLL_QUEUE_SIZE = 64

// Send at most this many buffers per poll request.
const MAX_CHUNK_BATCH_SEND = 8

// ErrNoOutBuf is returned by the poll write callback when the host has
// no output buffer left for this tick.
var ErrNoOutBuf = errors.New("no host output buffer available")

type PollSender struct {
	queue    chan []byte
	lastMiss []byte
}

func NewPollSender() *PollSender {
	return &PollSender{
		queue: make(chan []byte, POLL_QUEUE_SIZE),
	}
}

// Enqueue queues one outgoing buffer, suspending while the queue is
// full.
func (p *PollSender) Enqueue(data []byte) {
	p.queue <- data
}

// Poll drains up to MAX_CHUNK_BATCH_SEND buffers through write. When
// write reports ErrNoOutBuf the current buffer is parked and retried
// first on the next poll; retry asks the host for another tick.
func (p *PollSender) Poll(write func([]byte) error) (sent int, retry bool, err error) {
	if p.lastMiss != nil {
		data := p.lastMiss
		p.lastMiss = nil
		switch werr := write(data); {
		case errors.Is(werr, ErrNoOutBuf):
			p.lastMiss = data
			retry = true
			return
		case werr != nil:
			err = werr
			return
		}
		sent++
	}

	for sent < MAX_CHUNK_BATCH_SEND {
		var data []byte
		select {
		case data = <-p.queue:
		default:
			return
		}
		switch werr := write(data); {
		case errors.Is(werr, ErrNoOutBuf):
			p.lastMiss = data
			retry = true
			return
		case werr != nil:
			err = werr
			return
		}
		sent++
	}

	//	more work may be pending, ask for another tick
	retry = len(p.queue) > 0 || p.lastMiss != nil
	return
}

// Reset drops parked and queued buffers on disconnect.
func (p *PollSender) Reset() {
	p.lastMiss = nil
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}
