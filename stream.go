package soxy

import (
	"io"
	"sync"
)

// Stream states. A stream starts with both halves open; each End (sent
// or received) shuts one half, the second closes it for good.
type streamState int

const (
	streamReadWrite streamState = iota
	streamReadOnly
	streamWriteOnly
	streamClosed
)

type CloseMode int

const (
	CloseRead CloseMode = iota
	CloseWrite
	CloseBoth
)

type rdpStreamCommon struct {
	channel  *Channel
	service  *Service
	clientID ClientId

	lock    sync.RWMutex
	state   streamState
	endSent bool
}

func (c *rdpStreamCommon) currentState() streamState {
	c.lock.RLock()
	state := c.state
	c.lock.RUnlock()
	return state
}

// peerEnded records the reception of the peer's End chunk: the read
// half is done.
func (c *rdpStreamCommon) peerEnded() {
	c.lock.Lock()
	var closed bool
	switch c.state {
	case streamReadWrite:
		c.state = streamWriteOnly
	case streamReadOnly:
		c.state = streamClosed
		closed = true
	}
	c.lock.Unlock()
	if closed {
		c.channel.Forget(c.clientID)
	}
}

// abort tears the stream down without emitting an End, used when the
// pipeline itself is broken.
func (c *rdpStreamCommon) abort() {
	c.lock.Lock()
	closed := c.state != streamClosed
	c.state = streamClosed
	c.lock.Unlock()
	if closed {
		log.Debugf("%s client %x aborted", c.service.Name, c.clientID)
		c.channel.Forget(c.clientID)
	}
}

func (c *rdpStreamCommon) close(mode CloseMode) {
	c.lock.Lock()
	old := c.state
	var sendEnd bool

	switch mode {
	case CloseRead:
		switch old {
		case streamReadWrite:
			c.state = streamWriteOnly
		case streamReadOnly:
			c.state = streamClosed
		}
	case CloseWrite:
		switch old {
		case streamReadWrite:
			c.state = streamReadOnly
			sendEnd = true
		case streamReadOnly, streamWriteOnly:
			c.state = streamClosed
			sendEnd = true
		}
	case CloseBoth:
		if old != streamClosed {
			c.state = streamClosed
			sendEnd = true
		}
	}

	sendEnd = sendEnd && !c.endSent
	if sendEnd {
		c.endSent = true
	}
	closed := c.state == streamClosed && old != streamClosed
	c.lock.Unlock()

	if sendEnd {
		if err := c.channel.SendChunk(NewEndChunk(c.clientID)); err != nil {
			log.Debugf("%s client %x failed to send end: %v", c.service.Name, c.clientID, err)
		}
	}
	if closed {
		log.Debugf("%s client %x closed", c.service.Name, c.clientID)
		c.channel.Forget(c.clientID)
	}
}

// RdpStream is the byte-stream facade over one multiplexed client. It
// splits into an RdpReader and an RdpWriter sharing the same state.
type RdpStream struct {
	reader *RdpReader
	writer *RdpWriter
}

func newRdpStream(channel *Channel, service *Service, clientID ClientId, fromVc <-chan Chunk) *RdpStream {
	common := &rdpStreamCommon{
		channel:  channel,
		service:  service,
		clientID: clientID,
		state:    streamReadWrite,
	}
	return &RdpStream{
		reader: &RdpReader{common: common, fromVc: fromVc},
		writer: &RdpWriter{common: common},
	}
}

func (s *RdpStream) ClientId() ClientId {
	return s.reader.common.clientID
}

func (s *RdpStream) Split() (*RdpReader, *RdpWriter) {
	return s.reader, s.writer
}

func (s *RdpStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *RdpStream) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *RdpStream) Flush() error {
	return s.writer.Flush()
}

func (s *RdpStream) CloseRead() error {
	return s.reader.Close()
}

func (s *RdpStream) CloseWrite() error {
	return s.writer.Close()
}

// Close flushes buffered data, shuts both halves and sends the End
// chunk if it was not sent before.
func (s *RdpStream) Close() error {
	err := s.writer.Flush()
	s.reader.common.close(CloseBoth)
	return err
}

// RdpReader reads the byte stream reassembled from inbound Data
// chunks.
type RdpReader struct {
	common *rdpStreamCommon
	fromVc <-chan Chunk
	last   []byte
}

func (r *RdpReader) Read(p []byte) (int, error) {
	if len(r.last) > 0 {
		n := copy(p, r.last)
		r.last = r.last[n:]
		return n, nil
	}

	switch r.common.currentState() {
	case streamWriteOnly:
		return 0, io.EOF
	case streamClosed:
		return 0, io.ErrClosedPipe
	}

	chunk, ok := <-r.fromVc
	if !ok {
		return 0, io.EOF
	}
	chunkType, err := chunk.Type()
	if err != nil {
		return 0, err
	}
	if chunkType == ChunkEnd {
		r.common.peerEnded()
		return 0, io.EOF
	}

	payload := chunk.Payload()
	if len(payload) == 0 {
		return 0, nil
	}
	n := copy(p, payload)
	if n < len(payload) {
		r.last = payload[n:]
	}
	return n, nil
}

// Close shuts down the read half only.
func (r *RdpReader) Close() error {
	r.common.close(CloseRead)
	return nil
}

// RdpWriter buffers writes and emits Data chunks of at most
// MAX_CHUNK_PAYLOAD_LENGTH bytes.
type RdpWriter struct {
	common  *rdpStreamCommon
	pending [MAX_CHUNK_PAYLOAD_LENGTH]byte
	fill    int
}

// Clone returns a writer with its own buffer sharing the stream
// state, so two producers can feed the same stream.
func (w *RdpWriter) Clone() *RdpWriter {
	return &RdpWriter{common: w.common}
}

func (w *RdpWriter) canWrite() bool {
	switch w.common.currentState() {
	case streamReadWrite, streamWriteOnly:
		return true
	}
	return false
}

func (w *RdpWriter) Write(p []byte) (int, error) {
	if !w.canWrite() {
		return 0, io.ErrClosedPipe
	}

	total := len(p)
	for len(p) > 0 {
		n := copy(w.pending[w.fill:], p)
		w.fill += n
		p = p[n:]
		if w.fill == len(w.pending) {
			if err := w.Flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Flush emits the pending buffer as one Data chunk. Empty flush is a
// no-op.
func (w *RdpWriter) Flush() error {
	if w.fill == 0 {
		return nil
	}
	if !w.canWrite() {
		return io.ErrClosedPipe
	}

	chunk, err := NewDataChunk(w.common.clientID, w.pending[:w.fill])
	w.fill = 0
	if err != nil {
		return err
	}
	if err := w.common.channel.SendChunk(chunk); err != nil {
		w.common.abort()
		return io.ErrClosedPipe
	}
	return nil
}

// Close flushes then shuts down the write half, emitting the End
// chunk at most once.
func (w *RdpWriter) Close() error {
	err := w.Flush()
	w.common.close(CloseWrite)
	return err
}
