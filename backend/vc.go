// Package backend implements the session-side half of the bridge: the
// virtual-channel transports, the two pumps moving PDUs between the
// channel handle and the dispatcher, and the reconnect supervisor.
package backend

import (
	"errors"
	"fmt"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("")

var (
	ErrNoLibraryFound    = errors.New("no virtual channel library found")
	ErrOpenChannelFailed = errors.New("failed to open virtual channel")
	ErrReadFailed        = errors.New("failed to read from virtual channel")
	ErrWriteFailed       = errors.New("failed to write to virtual channel")
	ErrCloseFailed       = errors.New("failed to close virtual channel")
)

// Handle is an opened virtual channel. Read returns exactly one PDU
// payload per call; Write pushes one PDU. The outbound pump is the
// sole writer and the inbound pump the sole reader, so no further
// synchronization is required.
type Handle interface {
	DisplayName() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// VirtualChannel is one binding able to open a channel by name.
type VirtualChannel interface {
	Open(name string) (Handle, error)
}

// GenericChannel tries each available binding in turn.
type GenericChannel struct {
	candidates []VirtualChannel
}

func LoadGenericChannel() (*GenericChannel, error) {
	candidates := loadPlatformChannels()
	if len(candidates) == 0 {
		return nil, ErrNoLibraryFound
	}
	return &GenericChannel{candidates: candidates}, nil
}

func (g *GenericChannel) Open(name string) (Handle, error) {
	var lastErr error
	for _, vc := range g.candidates {
		handle, err := vc.Open(name)
		if err == nil {
			return handle, nil
		}
		log.Debugf("binding failed to open %q: %v", name, err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrOpenChannelFailed, lastErr)
}
