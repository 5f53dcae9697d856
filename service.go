package soxy

import (
	"bufio"
	"io"
	"net"
	"runtime"
)

type Kind int

const (
	KindFrontend Kind = iota
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindFrontend:
		return "frontend"
	case KindBackend:
		return "backend"
	}
	return "unknown"
}

// BackendHandler serves one accepted stream inside the remote session.
type BackendHandler func(stream *RdpStream) error

// FrontendTcpHandler serves one TCP connection accepted on the
// workstation side.
type FrontendTcpHandler func(server *FrontendTcpServer, client net.Conn, channel *Channel) error

type FrontendTcp struct {
	DefaultPort uint16
	Handler     FrontendTcpHandler
}

// Service binds a wire name to its optional frontend listener and
// optional backend handler.
type Service struct {
	Name     string
	Frontend *FrontendTcp
	Backend  BackendHandler
}

// Services is the static registry; lookup is by exact name.
var Services = []*Service{
	&clipboardService,
	&commandService,
	&forwardService,
	&ftpService,
	&inputService,
	&socks5Service,
	&stage0Service,
}

func Lookup(name string) *Service {
	for _, service := range Services {
		if service.Name == name {
			return service
		}
	}
	return nil
}

// https://patorjk.com/software/taag/#p=display&h=0&v=0&f=Ogre&t=soxy%0A
const LOGO = `
 ___   ___  __  __ _   _
/ __| / _ \ \ \/ /| | | |
\__ \| (_) | >  < | |_| |
|___/ \___/ /_/\_\ \__, |
                   |___/`

type flusher interface {
	Flush() error
}

// streamCopy moves bytes from src to dst until EOF, optionally
// flushing after each read so interactive traffic is not held back.
func streamCopy(dst io.Writer, src io.Reader, flush bool) error {
	buf := make([]byte, 10*MAX_CHUNK_PAYLOAD_LENGTH)

	flushDst := func() error {
		if f, ok := dst.(flusher); ok {
			return f.Flush()
		}
		return nil
	}

	for {
		read, err := src.Read(buf)
		if err != nil {
			if err == io.EOF {
				return flushDst()
			}
			return err
		}
		if read == 0 {
			continue
		}
		if _, err := dst.Write(buf[:read]); err != nil {
			return err
		}
		if flush {
			if err := flushDst(); err != nil {
				return err
			}
		}
		runtime.Gosched()
	}
}

type closeWriter interface {
	CloseWrite() error
}

func shutdownWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}

// DoubleStreamCopy bridges a stream and a socket with one forwarder
// per direction. Each direction ends independently: EOF on one side
// shuts down the write half of the other.
func DoubleStreamCopy(kind Kind, service *Service, stream *RdpStream, conn net.Conn, flush bool) error {
	clientID := stream.ClientId()
	reader, writer := stream.Split()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buffered := bufio.NewWriter(conn)
		if err := streamCopy(buffered, reader, flush); err != nil {
			log.Debugf("%s %s %x stream copy error: %v", kind, service.Name, clientID, err)
		} else {
			log.Debugf("%s %s %x stream copy stopped", kind, service.Name, clientID)
		}
		_ = buffered.Flush()
		shutdownWrite(conn)
		_ = reader.Close()
	}()

	buffered := bufio.NewReader(conn)
	if err := streamCopy(writer, buffered, flush); err != nil {
		log.Debugf("%s %s %x stream copy error: %v", kind, service.Name, clientID, err)
	} else {
		log.Debugf("%s %s %x stream copy stopped", kind, service.Name, clientID)
	}
	_ = writer.Close()

	<-done
	_ = conn.Close()
	return nil
}
