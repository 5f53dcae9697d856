package soxy

import (
	"fmt"
	"io"
	"net"
)

var forwardService Service

func init() {
	forwardService = Service{
		Name: "forward",
		Frontend: &FrontendTcp{
			DefaultPort: 0,
			Handler:     forwardTcpHandler,
		},
		Backend: forwardBackendHandler,
	}
}

const forwardCmdConnect byte = 0xF1

const (
	forwardRespConnected byte = 0xE0
	forwardRespError     byte = 0xE1
)

type forwardCommand struct {
	Connect string
}

func (c forwardCommand) send(w io.Writer) (err error) {
	if _, err = w.Write([]byte{forwardCmdConnect}); err != nil {
		return
	}
	return writeString(w, c.Connect)
}

func receiveForwardCommand(r io.Reader) (command forwardCommand, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	if tag[0] != forwardCmdConnect {
		err = fmt.Errorf("invalid forward command 0x%x", tag[0])
		return
	}
	command.Connect, err = readString(r)
	return
}

type forwardResponse struct {
	Connected bool
	Error     string
}

func (f forwardResponse) send(w io.Writer) (err error) {
	if f.Connected {
		_, err = w.Write([]byte{forwardRespConnected})
		return
	}
	if _, err = w.Write([]byte{forwardRespError}); err != nil {
		return
	}
	return writeString(w, f.Error)
}

func receiveForwardResponse(r io.Reader) (response forwardResponse, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case forwardRespConnected:
		response.Connected = true
	case forwardRespError:
		response.Error, err = readString(r)
	default:
		err = fmt.Errorf("invalid forward response 0x%x", tag[0])
	}
	return
}

func forwardBackendHandler(stream *RdpStream) error {
	log.Debugf("forward backend starting")

	command, err := receiveForwardCommand(stream)
	if err != nil {
		return err
	}

	log.Infof("connecting to %q", command.Connect)

	server, err := net.Dial("tcp", command.Connect)
	if err != nil {
		log.Warningf("failed to connect to %q: %v", command.Connect, err)
		if err := (forwardResponse{Error: err.Error()}).send(stream); err != nil {
			return err
		}
		return stream.Flush()
	}

	log.Debugf("connected to %q", command.Connect)

	if err := (forwardResponse{Connected: true}).send(stream); err != nil {
		_ = server.Close()
		return err
	}
	if err := stream.Flush(); err != nil {
		_ = server.Close()
		return err
	}
	return DoubleStreamCopy(KindBackend, &forwardService, stream, server, true)
}

func forwardTcpHandler(server *FrontendTcpServer, client net.Conn, channel *Channel) error {
	dest := server.Destination()
	if dest == "" {
		return fmt.Errorf("missing forward destination")
	}

	stream, err := channel.Connect(&forwardService)
	if err != nil {
		return err
	}

	if err := (forwardCommand{Connect: dest}).send(stream); err != nil {
		stream.Close()
		return err
	}
	if err := stream.Flush(); err != nil {
		stream.Close()
		return err
	}

	response, err := receiveForwardResponse(stream)
	if err != nil {
		stream.Close()
		return err
	}
	if !response.Connected {
		log.Warningf("port forwarding error: %s", response.Error)
		stream.Close()
		return nil
	}
	return DoubleStreamCopy(KindFrontend, &forwardService, stream, client, true)
}
