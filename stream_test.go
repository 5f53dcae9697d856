package soxy

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

var streamTestService = Service{Name: "stest"}

func newStreamUnderTest(t *testing.T) (*RdpStream, *Channel, chan Message, chan Chunk) {
	t.Helper()
	sink := make(chan Message, 64)
	channel := NewChannel(sink)
	clientID := NewClientId()
	entry := channel.register(clientID)
	stream := newRdpStream(channel, &streamTestService, clientID, entry.queue)
	return stream, channel, sink, entry.queue
}

func nextChunk(t *testing.T, sink chan Message) Chunk {
	t.Helper()
	select {
	case msg := <-sink:
		if msg.Chunk == nil {
			t.Fatalf("expected chunk message, got %+v", msg)
		}
		return *msg.Chunk
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	panic("unreachable")
}

func mustType(t *testing.T, chunk Chunk) ChunkType {
	t.Helper()
	chunkType, err := chunk.Type()
	if err != nil {
		t.Fatal(err)
	}
	return chunkType
}

func TestWriterSplitsLargeWrite(t *testing.T) {
	stream, _, sink, _ := newStreamUnderTest(t)

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := stream.Write(payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5000 {
		t.Fatalf("wrote %d", n)
	}
	if err := stream.Flush(); err != nil {
		t.Fatal(err)
	}

	var sizes []int
	var reassembled []byte
	for i := 0; i < 4; i++ {
		chunk := nextChunk(t, sink)
		if mustType(t, chunk) != ChunkData {
			t.Fatalf("chunk %d is %s", i, chunk)
		}
		sizes = append(sizes, len(chunk.Payload()))
		reassembled = append(reassembled, chunk.Payload()...)
	}
	expected := []int{1585, 1585, 1585, 245}
	for i := range expected {
		if sizes[i] != expected[i] {
			t.Fatalf("sizes %v", sizes)
		}
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("bytes reordered or lost")
	}
}

func TestWriterExactChunk(t *testing.T) {
	stream, _, sink, _ := newStreamUnderTest(t)

	if _, err := stream.Write(make([]byte, MAX_CHUNK_PAYLOAD_LENGTH)); err != nil {
		t.Fatal(err)
	}
	chunk := nextChunk(t, sink)
	if len(chunk.Payload()) != MAX_CHUNK_PAYLOAD_LENGTH {
		t.Fatalf("payload %d", len(chunk.Payload()))
	}
	//	no second chunk: pending is empty again
	if err := stream.Flush(); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sink:
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func TestWriterEmptyWriteAndFlush(t *testing.T) {
	stream, _, sink, _ := newStreamUnderTest(t)

	if n, err := stream.Write(nil); err != nil || n != 0 {
		t.Fatalf("n %d err %v", n, err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sink:
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func TestReaderPartialChunk(t *testing.T) {
	stream, _, _, queue := newStreamUnderTest(t)

	chunk, err := NewDataChunk(stream.ClientId(), []byte("0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	queue <- chunk

	var got []byte
	buf := make([]byte, 4)
	for len(got) < 10 {
		n, err := stream.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "0123456789" {
		t.Fatalf("got %q", got)
	}
}

func TestReaderEndGivesEofThenWritesStillWork(t *testing.T) {
	stream, _, sink, queue := newStreamUnderTest(t)

	queue <- NewEndChunk(stream.ClientId())

	buf := make([]byte, 8)
	if _, err := stream.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	//	half-open: peer ended, local writes continue
	if _, err := stream.Write([]byte("late data")); err != nil {
		t.Fatal(err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatal(err)
	}
	chunk := nextChunk(t, sink)
	if mustType(t, chunk) != ChunkData {
		t.Fatalf("chunk %s", chunk)
	}

	//	closing the write half now sends our End and fully closes
	if err := stream.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	chunk = nextChunk(t, sink)
	if mustType(t, chunk) != ChunkEnd {
		t.Fatalf("chunk %s", chunk)
	}
	if _, err := stream.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("expected ErrClosedPipe, got %v", err)
	}
}

func TestWriteAfterCloseWriteFails(t *testing.T) {
	stream, _, sink, queue := newStreamUnderTest(t)

	if err := stream.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	chunk := nextChunk(t, sink)
	if mustType(t, chunk) != ChunkEnd {
		t.Fatalf("chunk %s", chunk)
	}
	if _, err := stream.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("expected ErrClosedPipe, got %v", err)
	}

	//	reads keep draining after the local write half closed
	data, err := NewDataChunk(stream.ClientId(), []byte("tail"))
	if err != nil {
		t.Fatal(err)
	}
	queue <- data
	buf := make([]byte, 8)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "tail" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestEndSentAtMostOnce(t *testing.T) {
	stream, _, sink, _ := newStreamUnderTest(t)

	if err := stream.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	stream.Close()

	ends := 0
	for {
		select {
		case msg := <-sink:
			if msg.Chunk != nil && mustType(t, *msg.Chunk) == ChunkEnd {
				ends++
			}
		default:
			if ends != 1 {
				t.Fatalf("%d end chunks", ends)
			}
			return
		}
	}
}

func TestCloseRemovesRegistryEntry(t *testing.T) {
	stream, channel, _, _ := newStreamUnderTest(t)

	clientID := stream.ClientId()
	if channel.lookupClient(clientID) == nil {
		t.Fatal("entry missing before close")
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if channel.lookupClient(clientID) != nil {
		t.Fatal("entry still present after close")
	}
}

func TestFlushAfterPipelineBreak(t *testing.T) {
	//	unbuffered sink with no consumer: only the broken pipeline
	//	can unblock the send
	sink := make(chan Message)
	channel := NewChannel(sink)
	clientID := NewClientId()
	entry := channel.register(clientID)
	stream := newRdpStream(channel, &streamTestService, clientID, entry.queue)

	channel.Close()
	//	fill pending, then the send must fail and abort the stream
	if _, err := stream.Write(make([]byte, MAX_CHUNK_PAYLOAD_LENGTH-1)); err != nil {
		t.Fatal(err)
	}
	if err := stream.Flush(); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected ErrClosedPipe, got %v", err)
	}
	if channel.lookupClient(stream.ClientId()) != nil {
		t.Fatal("entry still present after abort")
	}
}
