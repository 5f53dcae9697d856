//go:build windows
// +build windows

package backend

import (
	"fmt"
	"time"

	"github.com/Microsoft/go-winio"
)

// On Windows sessions the WTS service exposes the opened channel as a
// named pipe.

type WtsChannel struct{}

func NewWtsChannel() *WtsChannel {
	return &WtsChannel{}
}

func (v *WtsChannel) Open(name string) (Handle, error) {
	path := `\\.\pipe\` + name

	log.Debugf("trying to open SVC(WTS) at %q", path)

	timeout := 5 * time.Second
	conn, err := winio.DialPipe(path, &timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenChannelFailed, err)
	}
	return newPduHandle(fmt.Sprintf("SVC(WTS) %q", name), conn), nil
}

func loadPlatformChannels() []VirtualChannel {
	return []VirtualChannel{NewWtsChannel()}
}
