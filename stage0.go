package soxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
)

var stage0Service Service

func init() {
	stage0Service = Service{
		Name: "stage0",
		Frontend: &FrontendTcp{
			DefaultPort: 1082,
			Handler:     stage0TcpHandler,
		},
	}
}

const stage0Help = `
Available commands:
- "cat FILE" or "push FILE" or "put FILE" or "send FILE" or "upload FILE" to upload the content of FILE;
- "exit" or "quit" to exit this interface.
`

const stage0Prompt = "stage0> "

func stage0TcpHandler(_ *FrontendTcpServer, client net.Conn, channel *Channel) error {
	reader := bufio.NewReader(client)
	writer := bufio.NewWriter(client)

	if _, err := fmt.Fprintf(writer, "%s\n%s\n", LOGO, stage0Help); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	stream, err := channel.Connect(&stage0Service)
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := writer.WriteString(stage0Prompt); err != nil {
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
	case "EXIT", "QUIT":
	case "CAT", "PUSH", "PUT", "SEND", "UPLOAD":
		file, err := os.Open(args)
		if err != nil {
			fmt.Fprintf(writer, "failed to open file for reading: %v\n", err)
			break
		}
		total, err := io.Copy(stream, file)
		_ = file.Close()
		if err != nil {
			return err
		}
		if err := stream.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(writer, "file sent (%d bytes)\n", total)
	default:
		fmt.Fprintln(writer, "invalid command")
	}

	return writer.Flush()
}
