//go:build windows
// +build windows

package soxy

import (
	"github.com/op/go-logging"
)

func getSyslogBackend(prefix string) logging.Backend {
	return nil
}
