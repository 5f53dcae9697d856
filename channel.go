package soxy

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	uuid "github.com/satori/go.uuid"
)

// Capacity of each per-client inbound chunk queue.
const CLIENT_CHUNK_BUFFER_SIZE = 16

// Capacity of the queue feeding the transport-facing pump.
const TO_VC_CHANNEL_SIZE = 128

// Client ids remembered after their stream ended, to tell late chunks
// apart from chunks for clients that never existed.
const recentlyClosedCacheSize = 128

type clientEntry struct {
	queue chan Chunk
	gone  chan struct{}
	once  sync.Once
}

func (e *clientEntry) markGone() {
	e.once.Do(func() {
		close(e.gone)
	})
}

// Channel owns the ClientId to inbound-queue mapping of one side of
// the bridge and the sender feeding its transport pump.
type Channel struct {
	lock           sync.RWMutex
	clients        map[ClientId]*clientEntry
	recentlyClosed *lru.Cache
	toVc           chan<- Message
	quit           chan struct{}
	quitOnce       sync.Once
}

func NewChannel(toVc chan<- Message) *Channel {
	recentlyClosed, _ := lru.New(recentlyClosedCacheSize)
	return &Channel{
		clients:        make(map[ClientId]*clientEntry),
		recentlyClosed: recentlyClosed,
		toVc:           toVc,
		quit:           make(chan struct{}),
	}
}

// Close invalidates the transport sink. Subsequent SendChunk calls
// fail with ErrPipelineBroken instead of suspending forever.
func (c *Channel) Close() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
}

func (c *Channel) send(msg Message) error {
	select {
	case <-c.quit:
		return ErrPipelineBroken
	default:
	}
	select {
	case c.toVc <- msg:
		return nil
	case <-c.quit:
		return ErrPipelineBroken
	}
}

// SendChunk queues a chunk toward the transport. It suspends when the
// transport sink is full.
func (c *Channel) SendChunk(chunk Chunk) error {
	return c.send(ChunkMessage(chunk))
}

func (c *Channel) SendInputSetting(setting InputSetting) error {
	return c.send(Message{InputSetting: &setting})
}

func (c *Channel) SendInputAction(action InputAction) error {
	return c.send(Message{InputAction: &action})
}

func (c *Channel) register(clientID ClientId) *clientEntry {
	entry := &clientEntry{
		queue: make(chan Chunk, CLIENT_CHUNK_BUFFER_SIZE),
		gone:  make(chan struct{}),
	}
	c.lock.Lock()
	c.clients[clientID] = entry
	c.lock.Unlock()
	return entry
}

func (c *Channel) lookupClient(clientID ClientId) *clientEntry {
	c.lock.RLock()
	entry := c.clients[clientID]
	c.lock.RUnlock()
	return entry
}

// Forget removes a client silently, e.g. after a connect failure or
// when the last stream reference goes away.
func (c *Channel) Forget(clientID ClientId) {
	c.lock.Lock()
	entry := c.clients[clientID]
	delete(c.clients, clientID)
	c.lock.Unlock()
	if entry != nil {
		entry.markGone()
		c.recentlyClosed.Add(clientID, struct{}{})
	}
}

// Connect allocates a fresh ClientId, registers its inbound queue,
// announces the stream with a Start chunk and returns the stream.
func (c *Channel) Connect(service *Service) (*RdpStream, error) {
	clientID := NewClientId()
	entry := c.register(clientID)
	stream := newRdpStream(c, service, clientID, entry.queue)

	start, err := NewStartChunk(clientID, service.Name)
	if err == nil {
		err = c.SendChunk(start)
	}
	if err != nil {
		c.Forget(clientID)
		return nil, err
	}
	log.Debugf("%s connect client %x", service.Name, clientID)
	return stream, nil
}

func (c *Channel) acceptStart(clientID ClientId, payload []byte) error {
	if c.lookupClient(clientID) != nil {
		log.Errorf("discarding start for already existing client %x", clientID)
		return nil
	}

	name := string(payload)
	service := Lookup(name)
	if service == nil {
		log.Errorf("new client for unknown service %q", name)
		return c.SendChunk(NewEndChunk(clientID))
	}
	if service.Backend == nil {
		log.Warningf("no backend to handle client %x", clientID)
		return nil
	}

	log.Debugf("new %s client %x", service.Name, clientID)

	entry := c.register(clientID)
	stream := newRdpStream(c, service, clientID, entry.queue)

	session := uuid.NewV4()
	go func() {
		if err := service.Backend(stream); err != nil {
			log.Debugf("backend %s %x [%s] error: %v", service.Name, clientID, session, err)
		} else {
			log.Debugf("backend %s %x [%s] stopped", service.Name, clientID, session)
		}
		stream.Close()
	}()
	return nil
}

func (c *Channel) deliver(chunk Chunk) error {
	clientID := chunk.ClientId()
	entry := c.lookupClient(clientID)
	if entry == nil {
		if _, recent := c.recentlyClosed.Get(clientID); recent {
			log.Debugf("discarding late chunk for closed client %x", clientID)
		} else {
			log.Warningf("discarding chunk for unknown client %x", clientID)
		}
		return c.SendChunk(NewEndChunk(clientID))
	}
	select {
	case entry.queue <- chunk:
	case <-entry.gone:
		log.Warningf("error sending to disconnected client %x", clientID)
	}
	return nil
}

func (c *Channel) deliverEnd(chunk Chunk) {
	clientID := chunk.ClientId()
	c.lock.Lock()
	entry := c.clients[clientID]
	delete(c.clients, clientID)
	c.lock.Unlock()
	c.recentlyClosed.Add(clientID, struct{}{})

	if entry == nil {
		log.Debugf("discarding end for unknown client %x", clientID)
		return
	}
	select {
	case entry.queue <- chunk:
	case <-entry.gone:
		log.Warningf("error sending to disconnected client %x", clientID)
	}
}

// Shutdown ends every registered stream, clears the mapping and
// forwards a shutdown toward the transport pump.
func (c *Channel) Shutdown() {
	c.lock.Lock()
	clients := c.clients
	c.clients = make(map[ClientId]*clientEntry)
	c.lock.Unlock()

	for clientID, entry := range clients {
		end := NewEndChunk(clientID)
		select {
		case entry.queue <- end:
		case <-entry.gone:
		default:
		}
		c.recentlyClosed.Add(clientID, struct{}{})
	}

	if err := c.send(ShutdownMessage()); err != nil {
		log.Warningf("failed to forward shutdown: %v", err)
	}
}

// Run is the dispatcher: it consumes messages from the transport pump
// until the pipeline breaks. Start chunks are only honored on the
// backend side.
func (c *Channel) Run(kind Kind, inbound <-chan Message) error {
	for msg := range inbound {
		switch {
		case msg.Shutdown:
			c.Shutdown()

		case msg.ResetClient:
			log.Errorf("discarding reset client request")

		case msg.InputSetting != nil:
			log.Errorf("discarding input setting request")

		case msg.InputAction != nil:
			log.Errorf("discarding input action request")

		case msg.Chunk != nil:
			chunk := *msg.Chunk
			chunkType, err := chunk.Type()
			if err != nil {
				log.Errorf("discarding invalid chunk: %v", err)
				continue
			}
			switch chunkType {
			case ChunkStart:
				if kind != KindBackend {
					log.Errorf("discarding start chunk on %s side", kind)
					continue
				}
				if err := c.acceptStart(chunk.ClientId(), chunk.Payload()); err != nil {
					return err
				}
			case ChunkData:
				if err := c.deliver(chunk); err != nil {
					return err
				}
			case ChunkEnd:
				c.deliverEnd(chunk)
			}
		}
	}
	return ErrPipelineBroken
}
