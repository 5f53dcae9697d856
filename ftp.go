package soxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var ftpService Service

func init() {
	ftpService = Service{
		Name: "ftp",
		Frontend: &FrontendTcp{
			DefaultPort: 2021,
			Handler:     ftpTcpHandler,
		},
		Backend: ftpBackendHandler,
	}
}

// Every ftp stream starts with a mode byte so the backend knows
// whether it carries the command conversation or one file transfer.
const (
	ftpModeControl byte = 0x00
	ftpModeData    byte = 0x01
)

const (
	ftpCmdCdup byte = 0x00
	ftpCmdCwd  byte = 0x01
	ftpCmdDele byte = 0x02
	ftpCmdFeat byte = 0x04
	ftpCmdList byte = 0x05
	ftpCmdNlst byte = 0x06
	ftpCmdPwd  byte = 0x0a
	ftpCmdQuit byte = 0x0b
	ftpCmdRetr byte = 0x0c
	ftpCmdStor byte = 0x0d
	ftpCmdSize byte = 0x0e
)

const (
	ftpRespOk  byte = 0x00
	ftpRespErr byte = 0x01
)

var ftpCmdHasArg = map[byte]bool{
	ftpCmdCwd:  true,
	ftpCmdDele: true,
	ftpCmdRetr: true,
	ftpCmdStor: true,
	ftpCmdSize: true,
}

type ftpCommand struct {
	Tag byte
	Arg string
}

func (c ftpCommand) send(w io.Writer) (err error) {
	if _, err = w.Write([]byte{c.Tag}); err != nil {
		return
	}
	if ftpCmdHasArg[c.Tag] {
		err = writeString(w, c.Arg)
	}
	return
}

func receiveFtpCommand(r io.Reader) (command ftpCommand, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	command.Tag = tag[0]
	if ftpCmdHasArg[tag[0]] {
		command.Arg, err = readString(r)
	}
	return
}

type ftpResponse struct {
	Ok   bool
	Text string
}

func (f ftpResponse) send(w io.Writer) (err error) {
	tag := ftpRespErr
	if f.Ok {
		tag = ftpRespOk
	}
	if _, err = w.Write([]byte{tag}); err != nil {
		return
	}
	return writeString(w, f.Text)
}

func receiveFtpResponse(r io.Reader) (response ftpResponse, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case ftpRespOk:
		response.Ok = true
	case ftpRespErr:
	default:
		err = fmt.Errorf("invalid ftp response 0x%x", tag[0])
		return
	}
	response.Text, err = readString(r)
	return
}

// File bytes travel in u32-length-prefixed blocks; a zero-length
// block terminates the transfer.
func copyBlocks(dst io.Writer, src io.Reader) (total int64, err error) {
	var length [4]byte
	for {
		if _, err = io.ReadFull(src, length[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(length[:])
		if n == 0 {
			return
		}
		if _, err = io.CopyN(dst, src, int64(n)); err != nil {
			return
		}
		total += int64(n)
	}
}

func sendBlocks(dst io.Writer, src io.Reader) (total int64, err error) {
	buf := make([]byte, 4*MAX_CHUNK_PAYLOAD_LENGTH)
	var length [4]byte
	for {
		read, readErr := src.Read(buf)
		if read > 0 {
			binary.LittleEndian.PutUint32(length[:], uint32(read))
			if _, err = dst.Write(length[:]); err != nil {
				return
			}
			if _, err = dst.Write(buf[:read]); err != nil {
				return
			}
			total += int64(read)
		}
		if readErr != nil {
			if readErr != io.EOF {
				err = readErr
			}
			break
		}
	}
	binary.LittleEndian.PutUint32(length[:], 0)
	_, werr := dst.Write(length[:])
	if err == nil {
		err = werr
	}
	return
}

// ftpBackendHandler serves one stream of the ftp service. The first
// byte selects the control conversation or a single data transfer.
func ftpBackendHandler(stream *RdpStream) error {
	log.Debugf("ftp backend starting")

	var mode [1]byte
	if _, err := io.ReadFull(stream, mode[:]); err != nil {
		return err
	}
	switch mode[0] {
	case ftpModeControl:
		return ftpBackendControl(stream)
	case ftpModeData:
		return ftpBackendData(stream)
	}
	return fmt.Errorf("invalid ftp mode 0x%x", mode[0])
}

func ftpBackendControl(stream *RdpStream) error {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = string(filepath.Separator)
	}

	reply := func(response ftpResponse) error {
		if err := response.send(stream); err != nil {
			return err
		}
		return stream.Flush()
	}

	for {
		command, err := receiveFtpCommand(stream)
		if err != nil {
			return err
		}

		switch command.Tag {
		case ftpCmdQuit:
			return reply(ftpResponse{Ok: true})

		case ftpCmdFeat:
			err = reply(ftpResponse{Ok: true, Text: "SIZE"})

		case ftpCmdPwd:
			err = reply(ftpResponse{Ok: true, Text: cwd})

		case ftpCmdCdup:
			cwd = filepath.Dir(cwd)
			err = reply(ftpResponse{Ok: true, Text: cwd})

		case ftpCmdCwd:
			next := command.Arg
			if !filepath.IsAbs(next) {
				next = filepath.Join(cwd, next)
			}
			if info, statErr := os.Stat(next); statErr != nil || !info.IsDir() {
				err = reply(ftpResponse{Text: "no such directory"})
			} else {
				cwd = next
				err = reply(ftpResponse{Ok: true, Text: cwd})
			}

		case ftpCmdList, ftpCmdNlst:
			entries, listErr := os.ReadDir(cwd)
			if listErr != nil {
				err = reply(ftpResponse{Text: listErr.Error()})
				break
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if command.Tag == ftpCmdList {
					if info, infoErr := entry.Info(); infoErr == nil {
						name = fmt.Sprintf("%s %12d %s", info.Mode(), info.Size(), name)
					}
				}
				names = append(names, name)
			}
			sort.Strings(names)
			err = reply(ftpResponse{Ok: true, Text: strings.Join(names, "\r\n")})

		case ftpCmdSize:
			info, statErr := os.Stat(ftpResolve(cwd, command.Arg))
			if statErr != nil {
				err = reply(ftpResponse{Text: statErr.Error()})
			} else {
				err = reply(ftpResponse{Ok: true, Text: strconv.FormatInt(info.Size(), 10)})
			}

		case ftpCmdDele:
			if removeErr := os.Remove(ftpResolve(cwd, command.Arg)); removeErr != nil {
				err = reply(ftpResponse{Text: removeErr.Error()})
			} else {
				err = reply(ftpResponse{Ok: true})
			}

		case ftpCmdRetr:
			file, openErr := os.Open(ftpResolve(cwd, command.Arg))
			if openErr != nil {
				err = reply(ftpResponse{Text: openErr.Error()})
				break
			}
			if err = reply(ftpResponse{Ok: true}); err != nil {
				_ = file.Close()
				break
			}
			_, err = sendBlocks(stream, file)
			_ = file.Close()
			if err == nil {
				err = stream.Flush()
			}

		case ftpCmdStor:
			file, createErr := os.Create(ftpResolve(cwd, command.Arg))
			if createErr != nil {
				err = reply(ftpResponse{Text: createErr.Error()})
				break
			}
			if err = reply(ftpResponse{Ok: true}); err != nil {
				_ = file.Close()
				break
			}
			total, copyErr := copyBlocks(file, stream)
			_ = file.Close()
			if copyErr != nil {
				err = copyErr
				break
			}
			err = reply(ftpResponse{Ok: true, Text: strconv.FormatInt(total, 10)})

		default:
			err = reply(ftpResponse{Text: "unsupported command"})
		}

		if err != nil {
			return err
		}
	}
}

// ftpBackendData is kept for clients that open a dedicated transfer
// stream: the conversation is a single Retr or Stor.
func ftpBackendData(stream *RdpStream) error {
	command, err := receiveFtpCommand(stream)
	if err != nil {
		return err
	}
	switch command.Tag {
	case ftpCmdRetr:
		file, openErr := os.Open(command.Arg)
		if openErr != nil {
			if err := (ftpResponse{Text: openErr.Error()}).send(stream); err != nil {
				return err
			}
			return stream.Flush()
		}
		defer file.Close()
		if err := (ftpResponse{Ok: true}).send(stream); err != nil {
			return err
		}
		if _, err := sendBlocks(stream, file); err != nil {
			return err
		}
		return stream.Flush()
	case ftpCmdStor:
		file, createErr := os.Create(command.Arg)
		if createErr != nil {
			if err := (ftpResponse{Text: createErr.Error()}).send(stream); err != nil {
				return err
			}
			return stream.Flush()
		}
		defer file.Close()
		if err := (ftpResponse{Ok: true}).send(stream); err != nil {
			return err
		}
		if err := stream.Flush(); err != nil {
			return err
		}
		_, err := copyBlocks(file, stream)
		return err
	}
	return fmt.Errorf("invalid ftp data command 0x%x", command.Tag)
}

func ftpResolve(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

// The frontend presents a minimal RFC 959 server to the local client
// and translates it to the backend conversation above.

type ftpSession struct {
	client  *bufio.ReadWriter
	conn    net.Conn
	stream  *RdpStream
	dataLis net.Listener
}

func (s *ftpSession) reply(code int, text string) error {
	if _, err := fmt.Fprintf(s.client, "%d %s\r\n", code, text); err != nil {
		return err
	}
	return s.client.Flush()
}

func (s *ftpSession) command(command ftpCommand) (ftpResponse, error) {
	if err := command.send(s.stream); err != nil {
		return ftpResponse{}, err
	}
	if err := s.stream.Flush(); err != nil {
		return ftpResponse{}, err
	}
	return receiveFtpResponse(s.stream)
}

// openData waits for the client to connect to the PASV listener.
func (s *ftpSession) openData() (net.Conn, error) {
	if s.dataLis == nil {
		return nil, fmt.Errorf("no data connection: use PASV first")
	}
	conn, err := s.dataLis.Accept()
	_ = s.dataLis.Close()
	s.dataLis = nil
	return conn, err
}

func ftpTcpHandler(_ *FrontendTcpServer, client net.Conn, channel *Channel) error {
	stream, err := channel.Connect(&ftpService)
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := stream.Write([]byte{ftpModeControl}); err != nil {
		return err
	}
	if err := stream.Flush(); err != nil {
		return err
	}

	session := &ftpSession{
		client: bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)),
		conn:   client,
		stream: stream,
	}
	defer func() {
		if session.dataLis != nil {
			_ = session.dataLis.Close()
		}
	}()

	if err := session.reply(220, "soxy FTP bridge ready"); err != nil {
		return err
	}

	for {
		line, err := session.client.ReadString('\n')
		if err != nil {
			return err
		}
		verb, arg := splitCommand(line)

		switch verb {
		case "USER":
			err = session.reply(331, "any password will do")
		case "PASS":
			err = session.reply(230, "logged in")
		case "SYST":
			err = session.reply(215, "UNIX Type: L8")
		case "TYPE":
			err = session.reply(200, "type set")
		case "OPTS":
			err = session.reply(200, "ok")
		case "FEAT":
			response, cmdErr := session.command(ftpCommand{Tag: ftpCmdFeat})
			if cmdErr != nil {
				return cmdErr
			}
			if _, err = fmt.Fprintf(session.client, "211-Features:\r\n %s\r\n211 End\r\n", response.Text); err == nil {
				err = session.client.Flush()
			}
		case "PWD":
			err = ftpForward(session, ftpCommand{Tag: ftpCmdPwd}, 257, 550)
		case "CWD":
			err = ftpForward(session, ftpCommand{Tag: ftpCmdCwd, Arg: arg}, 250, 550)
		case "CDUP":
			err = ftpForward(session, ftpCommand{Tag: ftpCmdCdup}, 250, 550)
		case "SIZE":
			err = ftpForward(session, ftpCommand{Tag: ftpCmdSize, Arg: arg}, 213, 550)
		case "DELE":
			err = ftpForward(session, ftpCommand{Tag: ftpCmdDele, Arg: arg}, 250, 550)
		case "PASV":
			err = ftpPasv(session)
		case "EPSV":
			err = ftpEpsv(session)
		case "LIST", "NLST":
			tag := ftpCmdList
			if verb == "NLST" {
				tag = ftpCmdNlst
			}
			err = ftpList(session, tag)
		case "RETR":
			err = ftpRetr(session, arg)
		case "STOR":
			err = ftpStor(session, arg)
		case "QUIT":
			_, _ = session.command(ftpCommand{Tag: ftpCmdQuit})
			return session.reply(221, "goodbye")
		case "":
			err = session.reply(500, "empty command")
		default:
			err = session.reply(502, "command not implemented")
		}

		if err != nil {
			return err
		}
	}
}

func ftpForward(s *ftpSession, command ftpCommand, okCode, errCode int) error {
	response, err := s.command(command)
	if err != nil {
		return err
	}
	if response.Ok {
		text := response.Text
		if okCode == 257 {
			text = fmt.Sprintf("%q", text)
		}
		return s.reply(okCode, text)
	}
	return s.reply(errCode, response.Text)
}

func ftpPasv(s *ftpSession) error {
	if s.dataLis != nil {
		_ = s.dataLis.Close()
	}
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	s.dataLis = lis

	addr := lis.Addr().(*net.TCPAddr)
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4(127, 0, 0, 1).To4()
	}
	return s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip4[0], ip4[1], ip4[2], ip4[3], addr.Port>>8, addr.Port&0xFF))
}

func ftpEpsv(s *ftpSession) error {
	if s.dataLis != nil {
		_ = s.dataLis.Close()
	}
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	s.dataLis = lis
	return s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", lis.Addr().(*net.TCPAddr).Port))
}

func ftpList(s *ftpSession, tag byte) error {
	response, err := s.command(ftpCommand{Tag: tag})
	if err != nil {
		return err
	}
	if !response.Ok {
		return s.reply(550, response.Text)
	}
	data, err := s.openData()
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	if err := s.reply(150, "directory listing"); err != nil {
		_ = data.Close()
		return err
	}
	_, _ = io.WriteString(data, response.Text+"\r\n")
	_ = data.Close()
	return s.reply(226, "transfer complete")
}

func ftpRetr(s *ftpSession, path string) error {
	response, err := s.command(ftpCommand{Tag: ftpCmdRetr, Arg: path})
	if err != nil {
		return err
	}
	if !response.Ok {
		return s.reply(550, response.Text)
	}
	data, err := s.openData()
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	if err := s.reply(150, "opening data connection"); err != nil {
		_ = data.Close()
		return err
	}
	_, copyErr := copyBlocks(data, s.stream)
	_ = data.Close()
	if copyErr != nil {
		return s.reply(451, "transfer aborted")
	}
	return s.reply(226, "transfer complete")
}

func ftpStor(s *ftpSession, path string) error {
	response, err := s.command(ftpCommand{Tag: ftpCmdStor, Arg: path})
	if err != nil {
		return err
	}
	if !response.Ok {
		return s.reply(550, response.Text)
	}
	data, err := s.openData()
	if err != nil {
		return s.reply(425, "cannot open data connection")
	}
	if err := s.reply(150, "opening data connection"); err != nil {
		_ = data.Close()
		return err
	}
	_, sendErr := sendBlocks(s.stream, data)
	_ = data.Close()
	if sendErr != nil {
		return s.reply(451, "transfer aborted")
	}
	if err := s.stream.Flush(); err != nil {
		return err
	}
	//	final response confirms the stored byte count
	response, err = receiveFtpResponse(s.stream)
	if err != nil {
		return err
	}
	if !response.Ok {
		return s.reply(451, response.Text)
	}
	return s.reply(226, "transfer complete")
}
