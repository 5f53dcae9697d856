package soxy

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
)

var commandService Service

func init() {
	commandService = Service{
		Name: "command",
		Frontend: &FrontendTcp{
			DefaultPort: 3031,
			Handler:     commandTcpHandler,
		},
		Backend: commandBackendHandler,
	}
}

func shellCommand() *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd.exe")
	}
	return exec.Command("sh", "-i")
}

// commandBackendHandler bridges the stream to an interactive shell:
// stream bytes feed stdin, stdout and stderr feed the stream back.
func commandBackendHandler(stream *RdpStream) error {
	cmd := shellCommand()

	log.Debugf("starting %q", cmd.Path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}

	reader, writer := stream.Split()
	errWriter := writer.Clone()

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		if err := streamCopy(writer, stdout, true); err != nil {
			log.Debugf("command stdout copy error: %v", err)
		}
	}()

	errDone := make(chan struct{})
	go func() {
		defer close(errDone)
		if err := streamCopy(errWriter, stderr, true); err != nil {
			log.Debugf("command stderr copy error: %v", err)
		}
	}()

	if err := streamCopy(stdin, reader, true); err != nil {
		log.Debugf("command stdin copy error: %v", err)
	}
	_ = stdin.Close()

	<-outDone
	<-errDone
	_ = writer.Close()
	return cmd.Wait()
}

func commandTcpHandler(_ *FrontendTcpServer, client net.Conn, channel *Channel) error {
	stream, err := channel.Connect(&commandService)
	if err != nil {
		return err
	}
	return DoubleStreamCopy(KindFrontend, &commandService, stream, client, true)
}
