package soxy

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkDataRoundTrip(t *testing.T) {
	payload := []byte("some application bytes")
	chunk, err := NewDataChunk(42, payload)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := DeserializeChunk(chunk.Serialized())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.ClientId() != 42 {
		t.Fatalf("client id %x", parsed.ClientId())
	}
	chunkType, err := parsed.Type()
	if err != nil {
		t.Fatal(err)
	}
	if chunkType != ChunkData {
		t.Fatalf("chunk type %s", chunkType)
	}
	if !bytes.Equal(parsed.Payload(), payload) {
		t.Fatalf("payload %q", parsed.Payload())
	}
	if !bytes.Equal(parsed.Serialized(), chunk.Serialized()) {
		t.Fatal("serialized bytes differ")
	}
}

func TestChunkStart(t *testing.T) {
	chunk, err := NewStartChunk(7, "command")
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk.Payload()) != "command" {
		t.Fatalf("payload %q", chunk.Payload())
	}
	if len(chunk.Serialized()) != CHUNK_SERIALIZE_OVERHEAD+len("command") {
		t.Fatalf("serialized length %d", len(chunk.Serialized()))
	}
}

func TestChunkEnd(t *testing.T) {
	chunk := NewEndChunk(3)
	if len(chunk.Payload()) != 0 {
		t.Fatalf("payload %q", chunk.Payload())
	}
	if len(chunk.Serialized()) != CHUNK_SERIALIZE_OVERHEAD {
		t.Fatalf("serialized length %d", len(chunk.Serialized()))
	}
}

func TestChunkPayloadTooLarge(t *testing.T) {
	_, err := NewDataChunk(1, make([]byte, MAX_CHUNK_PAYLOAD_LENGTH+1))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	if _, err := NewDataChunk(1, make([]byte, MAX_CHUNK_PAYLOAD_LENGTH)); err != nil {
		t.Fatal(err)
	}
}

func TestCanDeserializeChunkBoundaries(t *testing.T) {
	if _, ok := CanDeserializeChunk(make([]byte, 4)); ok {
		t.Fatal("4 bytes must not deserialize")
	}

	chunk := NewEndChunk(1)
	length, ok := CanDeserializeChunk(chunk.Serialized())
	if !ok || length != CHUNK_SERIALIZE_OVERHEAD {
		t.Fatalf("length %d ok %v", length, ok)
	}

	data, err := NewDataChunk(1, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := CanDeserializeChunk(data.Serialized()[:6]); ok {
		t.Fatal("truncated chunk must not deserialize")
	}
}

func TestDeserializeChunkInvalidSize(t *testing.T) {
	if _, err := DeserializeChunk([]byte{1, 2}); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}

	//	announced payload length does not match the buffer
	raw := NewEndChunk(1).Serialized()
	raw = append(raw, 0xAA)
	if _, err := DeserializeChunk(raw); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
}

func TestChunkTypeInvalid(t *testing.T) {
	raw := NewEndChunk(1).Serialized()
	raw[2] = 0x42
	chunk, err := DeserializeChunk(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chunk.Type(); !errors.Is(err, ErrInvalidChunkType) {
		t.Fatalf("expected ErrInvalidChunkType, got %v", err)
	}
}

func TestChunkAssemblerScan(t *testing.T) {
	var wire []byte
	for i := 0; i < 5; i++ {
		chunk, err := NewDataChunk(ClientId(i), bytes.Repeat([]byte{byte(i)}, 10+i))
		if err != nil {
			t.Fatal(err)
		}
		wire = append(wire, chunk.Serialized()...)
	}
	tail := []byte{0x01, 0x02, 0x03}
	wire = append(wire, tail...)

	var assembler ChunkAssembler
	chunks, err := assembler.Push(wire)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.ClientId() != ClientId(i) || len(chunk.Payload()) != 10+i {
			t.Fatalf("chunk %d: %s", i, chunk)
		}
	}
	if assembler.Pending() != len(tail) {
		t.Fatalf("pending %d", assembler.Pending())
	}
}

func TestChunkAssemblerFragmentation(t *testing.T) {
	chunk, err := NewDataChunk(9, []byte("fragmented across many reads"))
	if err != nil {
		t.Fatal(err)
	}
	wire := chunk.Serialized()

	var assembler ChunkAssembler
	var got []Chunk
	for _, b := range wire {
		chunks, err := assembler.Push([]byte{b})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, chunks...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d chunks", len(got))
	}
	if !bytes.Equal(got[0].Payload(), chunk.Payload()) {
		t.Fatalf("payload %q", got[0].Payload())
	}
	if assembler.Pending() != 0 {
		t.Fatalf("pending %d", assembler.Pending())
	}
}
