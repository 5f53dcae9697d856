package backend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	soxy "github.com/H1d3r/soxy"
)

// Channel PDUs carry an 8-byte header: payload length and flags, both
// little-endian u32. Only the FIRST (0x1) and LAST (0x2) flags are
// understood.
const PDU_HEADER_SIZE = 8

const (
	pduFlagFirst uint32 = 0x1
	pduFlagLast  uint32 = 0x2
)

func checkPduHeader(length, flags uint32, max int) error {
	if flags == 0 || flags&^(pduFlagFirst|pduFlagLast) != 0 {
		return fmt.Errorf("%w: unsupported PDU flags 0x%x", ErrReadFailed, flags)
	}
	if int(length) > max {
		return fmt.Errorf("%w: PDU length == %d while read <= %d", ErrReadFailed, length, max)
	}
	return nil
}

// pduHandle frames a byte-stream transport into PDUs.
type pduHandle struct {
	name string
	conn io.ReadWriteCloser
	br   *bufio.Reader
}

func newPduHandle(name string, conn io.ReadWriteCloser) *pduHandle {
	return &pduHandle{
		name: name,
		conn: conn,
		br:   bufio.NewReaderSize(conn, 3*soxy.PDU_MAX_SIZE),
	}
}

func (h *pduHandle) DisplayName() string {
	return h.name
}

func (h *pduHandle) Read(p []byte) (int, error) {
	var header [PDU_HEADER_SIZE]byte
	if _, err := io.ReadFull(h.br, header[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	flags := binary.LittleEndian.Uint32(header[4:8])

	if err := checkPduHeader(length, flags, len(p)); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(h.br, p[:length]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return int(length), nil
}

func (h *pduHandle) Write(p []byte) (int, error) {
	buf := make([]byte, PDU_HEADER_SIZE+len(p))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(p)))
	binary.LittleEndian.PutUint32(buf[4:8], pduFlagFirst|pduFlagLast)
	copy(buf[PDU_HEADER_SIZE:], p)
	if _, err := h.conn.Write(buf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return len(p), nil
}

func (h *pduHandle) Close() error {
	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrCloseFailed, err)
	}
	return nil
}
