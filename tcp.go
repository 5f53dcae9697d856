package soxy

import (
	"fmt"
	"net"

	uuid "github.com/satori/go.uuid"
)

// FrontendTcpServer accepts workstation TCP clients for one service
// and hands each connection to the service's frontend handler.
type FrontendTcpServer struct {
	service     *Service
	listener    net.Listener
	destination string
}

func BindFrontendTcpServer(service *Service, addr string, destination string) (server *FrontendTcpServer, err error) {
	if service.Frontend == nil {
		err = fmt.Errorf("service %q has no frontend", service.Name)
		return
	}

	log.Infof("accepting %s clients on %s", service.Name, addr)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return
	}
	server = &FrontendTcpServer{
		service:     service,
		listener:    listener,
		destination: destination,
	}
	return
}

func (s *FrontendTcpServer) Service() *Service {
	return s.service
}

// Destination is service-specific listener data, e.g. the forward
// target host:port.
func (s *FrontendTcpServer) Destination() string {
	return s.destination
}

func (s *FrontendTcpServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *FrontendTcpServer) Close() error {
	return s.listener.Close()
}

// Start accepts clients forever, one goroutine per connection.
func (s *FrontendTcpServer) Start(channel *Channel) error {
	handler := s.service.Frontend.Handler
	for {
		client, err := s.listener.Accept()
		if err != nil {
			return err
		}

		session := uuid.NewV4()
		log.Debugf("new %s client %s [%s]", s.service.Name, client.RemoteAddr(), session)

		go func() {
			if err := handler(s, client, channel); err != nil {
				log.Debugf("%s client [%s] error: %v", s.service.Name, session, err)
			} else {
				log.Debugf("%s client [%s] done", s.service.Name, session)
			}
			_ = client.Close()
		}()
	}
}
