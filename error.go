package soxy

import (
	"errors"
	"fmt"
)

var (
	ErrPipelineBroken   = errors.New("broken pipeline")
	ErrInvalidChunkType = errors.New("invalid chunk type")
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	ErrInvalidPayload   = errors.New("payload is too large")
	ErrUnknownService   = errors.New("unknown service")
)

func invalidChunkType(b byte) error {
	return fmt.Errorf("%w: 0x%x", ErrInvalidChunkType, b)
}

func invalidChunkSize(size int) error {
	return fmt.Errorf("%w: 0x%x", ErrInvalidChunkSize, size)
}

func invalidChannelName(name string) error {
	return fmt.Errorf("invalid channel name %q (7 ASCII bytes max)", name)
}
