package soxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Strings on service sub-protocols are length-prefixed with a
// little-endian u64.

func writeString(w io.Writer, s string) (err error) {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(s)))
	if _, err = w.Write(length[:]); err != nil {
		return
	}
	_, err = io.WriteString(w, s)
	return
}

func readString(r io.Reader) (s string, err error) {
	var length [8]byte
	if _, err = io.ReadFull(r, length[:]); err != nil {
		return
	}
	n := binary.LittleEndian.Uint64(length[:])
	if n > maxStringLength {
		err = fmt.Errorf("string of %d bytes is too large", n)
		return
	}
	buf := make([]byte, int(n))
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	s = string(buf)
	return
}

const maxStringLength = 1 << 20

func writeBytes(w io.Writer, data []byte) (err error) {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(data)))
	if _, err = w.Write(length[:]); err != nil {
		return
	}
	_, err = w.Write(data)
	return
}

func readBytes(r io.Reader) (data []byte, err error) {
	var length [8]byte
	if _, err = io.ReadFull(r, length[:]); err != nil {
		return
	}
	n := binary.LittleEndian.Uint64(length[:])
	if n > maxStringLength {
		err = fmt.Errorf("buffer of %d bytes is too large", n)
		return
	}
	data = make([]byte, int(n))
	_, err = io.ReadFull(r, data)
	return
}

// splitCommand parses one console line into an uppercased command and
// its raw argument.
func splitCommand(line string) (string, string) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	command, args, found := strings.Cut(line, " ")
	if !found {
		args = ""
	}
	return strings.ToUpper(command), args
}
