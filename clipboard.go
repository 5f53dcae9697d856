package soxy

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/atotto/clipboard"
)

var clipboardService Service

func init() {
	clipboardService = Service{
		Name: "clipboard",
		Frontend: &FrontendTcp{
			DefaultPort: 3032,
			Handler:     clipboardTcpHandler,
		},
		Backend: clipboardBackendHandler,
	}
}

const (
	clipboardCmdRead      byte = 0x00
	clipboardCmdWriteText byte = 0x01

	clipboardRespText      byte = 0x00
	clipboardRespFailed    byte = 0x01
	clipboardRespWriteDone byte = 0x02
)

type clipboardCommand struct {
	WriteText *string
}

func (c clipboardCommand) send(w io.Writer) (err error) {
	if c.WriteText != nil {
		if _, err = w.Write([]byte{clipboardCmdWriteText}); err != nil {
			return
		}
		if err = writeString(w, *c.WriteText); err != nil {
			return
		}
	} else {
		if _, err = w.Write([]byte{clipboardCmdRead}); err != nil {
			return
		}
	}
	if f, ok := w.(flusher); ok {
		err = f.Flush()
	}
	return
}

func receiveClipboardCommand(r io.Reader) (command clipboardCommand, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case clipboardCmdRead:
	case clipboardCmdWriteText:
		var text string
		if text, err = readString(r); err != nil {
			return
		}
		command.WriteText = &text
	default:
		err = fmt.Errorf("invalid clipboard command 0x%x", tag[0])
	}
	return
}

type clipboardResponse struct {
	Text      *string
	Failed    bool
	WriteDone bool
}

func (c clipboardResponse) send(w io.Writer) (err error) {
	switch {
	case c.Text != nil:
		if _, err = w.Write([]byte{clipboardRespText}); err != nil {
			return
		}
		if err = writeString(w, *c.Text); err != nil {
			return
		}
	case c.WriteDone:
		if _, err = w.Write([]byte{clipboardRespWriteDone}); err != nil {
			return
		}
	default:
		if _, err = w.Write([]byte{clipboardRespFailed}); err != nil {
			return
		}
	}
	if f, ok := w.(flusher); ok {
		err = f.Flush()
	}
	return
}

func receiveClipboardResponse(r io.Reader) (response clipboardResponse, err error) {
	var tag [1]byte
	if _, err = io.ReadFull(r, tag[:]); err != nil {
		return
	}
	switch tag[0] {
	case clipboardRespText:
		var text string
		if text, err = readString(r); err != nil {
			return
		}
		response.Text = &text
	case clipboardRespFailed:
		response.Failed = true
	case clipboardRespWriteDone:
		response.WriteDone = true
	default:
		err = fmt.Errorf("invalid clipboard response 0x%x", tag[0])
	}
	return
}

func clipboardBackendHandler(stream *RdpStream) error {
	log.Debugf("clipboard backend starting")

	for {
		command, err := receiveClipboardCommand(stream)
		if err != nil {
			return err
		}

		var response clipboardResponse
		if command.WriteText != nil {
			log.Debugf("clipboard write_text %q", *command.WriteText)
			if err := clipboard.WriteAll(*command.WriteText); err != nil {
				log.Errorf("failed to set clipboard: %v", err)
				response.Failed = true
			} else {
				response.WriteDone = true
			}
		} else {
			log.Debugf("clipboard read")
			text, err := clipboard.ReadAll()
			if err != nil {
				log.Errorf("failed to get clipboard content: %v", err)
				response.Failed = true
			} else {
				response.Text = &text
			}
		}

		if err := response.send(stream); err != nil {
			return err
		}
		if err := stream.Flush(); err != nil {
			return err
		}
	}
}

const clipboardHelp = `
Available commands:
- "read" or "get" to get remote clipboard content;
- "write XXX" or "put XXX" to set remote clipboard content to XXX;
- "exit" or "quit" to exit this interface.
`

const clipboardPrompt = "clipboard> "

func clipboardTcpHandler(_ *FrontendTcpServer, client net.Conn, channel *Channel) error {
	reader := bufio.NewReader(client)
	writer := bufio.NewWriter(client)

	if _, err := fmt.Fprintf(writer, "%s\n%s\n", LOGO, clipboardHelp); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	stream, err := channel.Connect(&clipboardService)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		if _, err := writer.WriteString(clipboardPrompt); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		command, args := splitCommand(line)

		switch command {
		case "":
		case "READ", "GET":
			if err := (clipboardCommand{}).send(stream); err != nil {
				return err
			}
			if err := stream.Flush(); err != nil {
				return err
			}
			response, err := receiveClipboardResponse(stream)
			switch {
			case err != nil:
				return err
			case response.Text != nil:
				fmt.Fprintf(writer, "ok %q\n", *response.Text)
			default:
				fmt.Fprintln(writer, "KO")
			}
		case "WRITE", "PUT":
			if err := (clipboardCommand{WriteText: &args}).send(stream); err != nil {
				return err
			}
			if err := stream.Flush(); err != nil {
				return err
			}
			response, err := receiveClipboardResponse(stream)
			switch {
			case err != nil:
				return err
			case response.WriteDone:
				fmt.Fprintln(writer, "ok")
			default:
				fmt.Fprintln(writer, "KO")
			}
		case "EXIT", "QUIT":
			return writer.Flush()
		default:
			fmt.Fprintln(writer, "invalid command")
		}
		if err := writer.Flush(); err != nil {
			return err
		}
	}
}
