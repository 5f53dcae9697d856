package soxy

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Adjustments for Dynamic Virtual Channels.

// Max size of what can be received over a Dynamic Virtual Channel.
const PDU_MAX_SIZE = 1600

// The DYNVC_DATA_FIRST PDU header can be up to 10 bytes long.
const PDU_DVC_HEADER_MAX_SIZE = 10

// Max size of data that can be sent in *any* kind of PDU.
const PDU_DATA_MAX_SIZE = PDU_MAX_SIZE - PDU_DVC_HEADER_MAX_SIZE

const CHUNK_SERIALIZE_OVERHEAD = 2 /* ClientId */ + 1 /* ChunkType */ + 2 /* len */

const MAX_CHUNK_PAYLOAD_LENGTH = PDU_DATA_MAX_SIZE - CHUNK_SERIALIZE_OVERHEAD

const (
	idStart byte = 0xF0
	idData  byte = 0xF1
	idEnd   byte = 0xF2
)

type ChunkType byte

const (
	ChunkStart ChunkType = ChunkType(idStart)
	ChunkData  ChunkType = ChunkType(idData)
	ChunkEnd   ChunkType = ChunkType(idEnd)
)

func (t ChunkType) String() string {
	switch t {
	case ChunkStart:
		return "Start"
	case ChunkData:
		return "Data"
	case ChunkEnd:
		return "End"
	}
	return fmt.Sprintf("Unknown(0x%x)", byte(t))
}

type ClientId uint16

var clientIDCounter uint32

// NewClientId allocates the next stream identifier. Identifiers wrap
// after 2^16 allocations.
func NewClientId() ClientId {
	return ClientId(atomic.AddUint32(&clientIDCounter, 1) - 1)
}

// Chunk is a single serialized PDU: ClientId (2, LE), ChunkType tag (1),
// payload length (2, LE), payload.
type Chunk struct {
	raw []byte
}

func newChunk(chunkType ChunkType, clientID ClientId, payload []byte) (chunk Chunk, err error) {
	if len(payload) > MAX_CHUNK_PAYLOAD_LENGTH {
		err = ErrInvalidPayload
		return
	}
	raw := make([]byte, CHUNK_SERIALIZE_OVERHEAD+len(payload))
	binary.LittleEndian.PutUint16(raw[0:2], uint16(clientID))
	raw[2] = byte(chunkType)
	binary.LittleEndian.PutUint16(raw[3:5], uint16(len(payload)))
	copy(raw[CHUNK_SERIALIZE_OVERHEAD:], payload)
	chunk = Chunk{raw: raw}
	return
}

// NewStartChunk builds the chunk opening a stream for the named service.
func NewStartChunk(clientID ClientId, serviceName string) (Chunk, error) {
	return newChunk(ChunkStart, clientID, []byte(serviceName))
}

func NewDataChunk(clientID ClientId, payload []byte) (Chunk, error) {
	return newChunk(ChunkData, clientID, payload)
}

func NewEndChunk(clientID ClientId) Chunk {
	chunk, _ := newChunk(ChunkEnd, clientID, nil)
	return chunk
}

func (c Chunk) ClientId() ClientId {
	return ClientId(binary.LittleEndian.Uint16(c.raw[0:2]))
}

func (c Chunk) Type() (ChunkType, error) {
	switch c.raw[2] {
	case idStart, idData, idEnd:
		return ChunkType(c.raw[2]), nil
	}
	return 0, invalidChunkType(c.raw[2])
}

func (c Chunk) payloadLen() int {
	return int(binary.LittleEndian.Uint16(c.raw[3:5]))
}

func (c Chunk) Payload() []byte {
	return c.raw[CHUNK_SERIALIZE_OVERHEAD : CHUNK_SERIALIZE_OVERHEAD+c.payloadLen()]
}

// Serialized returns the on-wire bytes of the chunk.
func (c Chunk) Serialized() []byte {
	return c.raw
}

func (c Chunk) String() string {
	chunkType, err := c.Type()
	if err != nil {
		return fmt.Sprintf("client %x invalid chunk", c.ClientId())
	}
	return fmt.Sprintf("client %x chunk_type = %s data = %d byte(s)", c.ClientId(), chunkType, c.payloadLen())
}

// CanDeserializeChunk reports whether data starts with one complete
// chunk, and if so how many bytes it occupies.
func CanDeserializeChunk(data []byte) (int, bool) {
	if len(data) < CHUNK_SERIALIZE_OVERHEAD {
		return 0, false
	}
	expected := CHUNK_SERIALIZE_OVERHEAD + int(binary.LittleEndian.Uint16(data[3:5]))
	if len(data) < expected {
		return 0, false
	}
	return expected, true
}

// DeserializeChunk parses exactly one chunk from data. The input is
// copied so the caller may reuse its buffer.
func DeserializeChunk(data []byte) (chunk Chunk, err error) {
	if len(data) < CHUNK_SERIALIZE_OVERHEAD || len(data) > PDU_DATA_MAX_SIZE {
		err = invalidChunkSize(len(data))
		return
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	chunk = Chunk{raw: raw}
	if CHUNK_SERIALIZE_OVERHEAD+chunk.payloadLen() != len(raw) {
		err = invalidChunkSize(len(raw))
		chunk = Chunk{}
		return
	}
	return
}

// ChunkAssembler carries partial-chunk tails across consecutive reads
// of the transport so chunks can be recovered from arbitrary
// fragmentation.
type ChunkAssembler struct {
	buf []byte
}

// Push appends data and returns every chunk that is now complete. A
// trailing fragment is buffered until the next call.
func (a *ChunkAssembler) Push(data []byte) ([]Chunk, error) {
	a.buf = append(a.buf, data...)

	var chunks []Chunk
	for {
		length, ok := CanDeserializeChunk(a.buf)
		if !ok {
			break
		}
		chunk, err := DeserializeChunk(a.buf[:length])
		if err != nil {
			return chunks, err
		}
		a.buf = a.buf[length:]
		chunks = append(chunks, chunk)
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return chunks, nil
}

// Pending returns the number of buffered tail bytes.
func (a *ChunkAssembler) Pending() int {
	return len(a.buf)
}
