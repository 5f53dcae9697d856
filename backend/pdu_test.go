package backend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	soxy "github.com/H1d3r/soxy"
)

func pduPair() (*pduHandle, *pduHandle) {
	left, right := net.Pipe()
	return newPduHandle("test-left", left), newPduHandle("test-right", right)
}

func TestPduRoundTrip(t *testing.T) {
	left, right := pduPair()
	defer left.Close()
	defer right.Close()

	payload := []byte("one whole PDU")
	go func() {
		_, _ = left.Write(payload)
	}()

	buf := make([]byte, 3*soxy.PDU_MAX_SIZE)
	n, err := right.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("got %q", buf[:n])
	}
}

func writeRawPdu(conn net.Conn, length, flags uint32, payload []byte) {
	var header [PDU_HEADER_SIZE]byte
	binary.LittleEndian.PutUint32(header[0:4], length)
	binary.LittleEndian.PutUint32(header[4:8], flags)
	_, _ = conn.Write(append(header[:], payload...))
}

func TestPduRejectsBadFlags(t *testing.T) {
	left, right := net.Pipe()
	handle := newPduHandle("test", right)
	defer handle.Close()
	defer left.Close()

	go writeRawPdu(left, 2, 0x8, []byte{1, 2})

	buf := make([]byte, 64)
	if _, err := handle.Read(buf); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
}

func TestPduRejectsZeroFlags(t *testing.T) {
	left, right := net.Pipe()
	handle := newPduHandle("test", right)
	defer handle.Close()
	defer left.Close()

	go writeRawPdu(left, 2, 0x0, []byte{1, 2})

	buf := make([]byte, 64)
	if _, err := handle.Read(buf); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
}

func TestPduRejectsOversizedLength(t *testing.T) {
	left, right := net.Pipe()
	handle := newPduHandle("test", right)
	defer handle.Close()
	defer left.Close()

	go writeRawPdu(left, 1<<20, 0x3, nil)

	buf := make([]byte, 64)
	if _, err := handle.Read(buf); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
}
