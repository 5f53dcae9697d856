package soxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
)

var socks5Service Service

func init() {
	socks5Service = Service{
		Name: "socks5",
		Frontend: &FrontendTcp{
			DefaultPort: 1080,
			Handler:     socks5TcpHandler,
		},
		Backend: socks5BackendHandler,
	}
}

const (
	socks5CmdConnect byte = 0x01
	socks5CmdBind    byte = 0x02
)

const (
	socks5RespOk                 byte = 0x00
	socks5RespHostUnreachable    byte = 0x01
	socks5RespConnectionRefused  byte = 0x02
	socks5RespNetworkUnreachable byte = 0x03
	socks5RespBindFailed         byte = 0x04
)

type socks5Command struct {
	Connect *string
	Bind    bool
}

func (c socks5Command) send(w io.Writer) (err error) {
	if c.Connect != nil {
		if _, err = w.Write([]byte{socks5CmdConnect}); err != nil {
			return
		}
		return writeString(w, *c.Connect)
	}
	_, err = w.Write([]byte{socks5CmdBind})
	return
}

func receiveSocks5Command(r io.Reader) (command socks5Command, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case socks5CmdConnect:
		var dest string
		if dest, err = readString(r); err != nil {
			return
		}
		command.Connect = &dest
	case socks5CmdBind:
		command.Bind = true
	default:
		err = fmt.Errorf("invalid socks5 command 0x%x", tag[0])
	}
	return
}

type socks5Response struct {
	Code byte
	Addr []byte
}

func (s socks5Response) send(w io.Writer) (err error) {
	if _, err = w.Write([]byte{s.Code}); err != nil {
		return
	}
	if s.Code == socks5RespOk {
		return writeBytes(w, s.Addr)
	}
	return
}

func receiveSocks5Response(r io.Reader) (response socks5Response, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	response.Code = tag[0]
	if tag[0] == socks5RespOk {
		response.Addr, err = readBytes(r)
	} else if tag[0] > socks5RespBindFailed {
		err = fmt.Errorf("invalid socks5 response 0x%x", tag[0])
	}
	return
}

// encodeAddr packs a socket address as 1 byte family tag (1 = v4, 4 =
// v6), the raw octets, and the port in network order.
func encodeAddr(addr net.Addr) ([]byte, error) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("not a TCP address: %v", addr)
	}
	var data []byte
	if ip4 := tcp.IP.To4(); ip4 != nil {
		data = append(data, 1)
		data = append(data, ip4...)
	} else {
		data = append(data, 4)
		data = append(data, tcp.IP.To16()...)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(tcp.Port))
	return append(data, port[:]...), nil
}

func socks5BackendHandler(stream *RdpStream) error {
	log.Debugf("socks5 backend starting")

	command, err := receiveSocks5Command(stream)
	if err != nil {
		return err
	}

	if command.Connect != nil {
		return socks5BackendConnect(stream, *command.Connect)
	}
	return socks5BackendBind(stream)
}

func socks5Reply(stream *RdpStream, response socks5Response) error {
	if err := response.send(stream); err != nil {
		return err
	}
	return stream.Flush()
}

func socks5BackendConnect(stream *RdpStream, dest string) error {
	log.Infof("connecting to %q", dest)

	server, err := net.Dial("tcp", dest)
	if err != nil {
		log.Errorf("failed to connect to %q: %v", dest, err)
		code := socks5RespNetworkUnreachable
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			code = socks5RespHostUnreachable
		case errors.Is(err, syscall.ECONNREFUSED):
			code = socks5RespConnectionRefused
		}
		return socks5Reply(stream, socks5Response{Code: code})
	}

	log.Debugf("connected to %q", dest)

	addr, err := encodeAddr(server.LocalAddr())
	if err != nil {
		_ = server.Close()
		return err
	}
	if err := socks5Reply(stream, socks5Response{Code: socks5RespOk, Addr: addr}); err != nil {
		_ = server.Close()
		return err
	}
	return DoubleStreamCopy(KindBackend, &socks5Service, stream, server, true)
}

func socks5BackendBind(stream *RdpStream) error {
	server, err := net.Listen("tcp", net.JoinHostPort(bestBindAddress(), "0"))
	if err != nil {
		log.Errorf("failed to bind: %v", err)
		return socks5Reply(stream, socks5Response{Code: socks5RespBindFailed})
	}
	defer server.Close()

	log.Infof("binding to %s", server.Addr())

	addr, err := encodeAddr(server.Addr())
	if err != nil {
		return err
	}
	if err := socks5Reply(stream, socks5Response{Code: socks5RespOk, Addr: addr}); err != nil {
		return err
	}

	client, err := server.Accept()
	if err != nil {
		log.Errorf("failed to accept on %s: %v", server.Addr(), err)
		return socks5Reply(stream, socks5Response{Code: socks5RespBindFailed})
	}

	peer, err := encodeAddr(client.RemoteAddr())
	if err != nil {
		_ = client.Close()
		return err
	}
	if err := socks5Reply(stream, socks5Response{Code: socks5RespOk, Addr: peer}); err != nil {
		_ = client.Close()
		return err
	}
	return DoubleStreamCopy(KindBackend, &socks5Service, stream, client, true)
}

// bestBindAddress picks a non-loopback interface address to expose to
// the bind peer, falling back to the wildcard.
func bestBindAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "0.0.0.0"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLoopback() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		if ip.To4() != nil {
			return ip.String()
		}
	}
	return "0.0.0.0"
}

// The local client side speaks plain RFC 1928 with no authentication.

const (
	socksVersion      byte = 0x05
	socksNoAuth       byte = 0x00
	socksAtypIpv4     byte = 0x01
	socksAtypDomain   byte = 0x03
	socksAtypIpv6     byte = 0x04
	socksReplyOk      byte = 0x00
	socksReplyFailure byte = 0x01
	socksReplyNetwork byte = 0x03
	socksReplyHost    byte = 0x04
	socksReplyRefused byte = 0x05
	socksReplyCmd     byte = 0x07
)

func readSocksRequest(client net.Conn) (cmd byte, dest string, err error) {
	var greeting [2]byte
	if _, err = io.ReadFull(client, greeting[:]); err != nil {
		return
	}
	if greeting[0] != socksVersion {
		err = fmt.Errorf("unsupported socks version 0x%x", greeting[0])
		return
	}
	methods := make([]byte, int(greeting[1]))
	if _, err = io.ReadFull(client, methods); err != nil {
		return
	}
	if _, err = client.Write([]byte{socksVersion, socksNoAuth}); err != nil {
		return
	}

	var request [4]byte
	if _, err = io.ReadFull(client, request[:]); err != nil {
		return
	}
	cmd = request[1]

	var host string
	switch request[3] {
	case socksAtypIpv4:
		var addr [4]byte
		if _, err = io.ReadFull(client, addr[:]); err != nil {
			return
		}
		host = net.IP(addr[:]).String()
	case socksAtypDomain:
		var length [1]byte
		if _, err = io.ReadFull(client, length[:]); err != nil {
			return
		}
		name := make([]byte, int(length[0]))
		if _, err = io.ReadFull(client, name); err != nil {
			return
		}
		host = string(name)
	case socksAtypIpv6:
		var addr [16]byte
		if _, err = io.ReadFull(client, addr[:]); err != nil {
			return
		}
		host = net.IP(addr[:]).String()
	default:
		err = fmt.Errorf("unsupported socks address type 0x%x", request[3])
		return
	}

	var port [2]byte
	if _, err = io.ReadFull(client, port[:]); err != nil {
		return
	}
	dest = net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:]))))
	return
}

// writeSocksReply sends one RFC 1928 reply; addr is the backend's
// encoded address or nil for error replies.
func writeSocksReply(client net.Conn, code byte, addr []byte) error {
	reply := []byte{socksVersion, code, 0x00}
	if len(addr) == 7 && addr[0] == 1 {
		reply = append(reply, socksAtypIpv4)
		reply = append(reply, addr[1:]...)
	} else if len(addr) == 19 && addr[0] == 4 {
		reply = append(reply, socksAtypIpv6)
		reply = append(reply, addr[1:]...)
	} else {
		reply = append(reply, socksAtypIpv4, 0, 0, 0, 0, 0, 0)
	}
	_, err := client.Write(reply)
	return err
}

func socks5ReplyCode(code byte) byte {
	switch code {
	case socks5RespHostUnreachable:
		return socksReplyHost
	case socks5RespConnectionRefused:
		return socksReplyRefused
	case socks5RespNetworkUnreachable:
		return socksReplyNetwork
	}
	return socksReplyFailure
}

func socks5TcpHandler(_ *FrontendTcpServer, client net.Conn, channel *Channel) error {
	cmd, dest, err := readSocksRequest(client)
	if err != nil {
		return err
	}

	stream, err := channel.Connect(&socks5Service)
	if err != nil {
		return err
	}

	var command socks5Command
	switch cmd {
	case socks5CmdConnect:
		command.Connect = &dest
	case socks5CmdBind:
		command.Bind = true
	default:
		stream.Close()
		return writeSocksReply(client, socksReplyCmd, nil)
	}

	if err := command.send(stream); err != nil {
		stream.Close()
		return err
	}
	if err := stream.Flush(); err != nil {
		stream.Close()
		return err
	}

	response, err := receiveSocks5Response(stream)
	if err != nil {
		stream.Close()
		return err
	}
	if response.Code != socks5RespOk {
		_ = writeSocksReply(client, socks5ReplyCode(response.Code), nil)
		stream.Close()
		return nil
	}
	if err := writeSocksReply(client, socksReplyOk, response.Addr); err != nil {
		stream.Close()
		return err
	}

	if command.Bind {
		//	second Ok announces the accepted peer
		response, err = receiveSocks5Response(stream)
		if err != nil {
			stream.Close()
			return err
		}
		if response.Code != socks5RespOk {
			_ = writeSocksReply(client, socks5ReplyCode(response.Code), nil)
			stream.Close()
			return nil
		}
		if err := writeSocksReply(client, socksReplyOk, response.Addr); err != nil {
			stream.Close()
			return err
		}
	}

	return DoubleStreamCopy(KindFrontend, &socks5Service, stream, client, true)
}
