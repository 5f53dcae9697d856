package soxy

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Synthetic input injection runs in the remote-desktop client process
// itself, so these messages are carried over the control queues and
// never become stream chunks. The backend discards them.

type InputSetting struct {
	KeyboardLayout string
}

type InputAction struct {
	Text  string
	Pause time.Duration
}

// No default port: the input console only comes up when the
// configuration assigns one.
var inputService = Service{
	Name: "input",
	Frontend: &FrontendTcp{
		DefaultPort: 0,
		Handler:     inputTcpHandler,
	},
}

const inputHelp = `
Available commands:
- "layout XXX" to select the keyboard layout used for injection;
- "type XXX" to type the given text in the remote session;
- "pause N" to wait N milliseconds between injected keys;
- "exit" or "quit" to exit this interface.
`

const inputPrompt = "input> "

func inputTcpHandler(_ *FrontendTcpServer, client net.Conn, channel *Channel) error {
	reader := bufio.NewReader(client)
	writer := bufio.NewWriter(client)

	if _, err := fmt.Fprintf(writer, "%s\n%s\n", LOGO, inputHelp); err != nil {
		return err
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	for {
		if _, err := writer.WriteString(inputPrompt); err != nil {
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
		case "LAYOUT":
			if err := channel.SendInputSetting(InputSetting{KeyboardLayout: args}); err != nil {
				return err
			}
			fmt.Fprintln(writer, "ok")
		case "TYPE":
			if err := channel.SendInputAction(InputAction{Text: args}); err != nil {
				return err
			}
			fmt.Fprintln(writer, "ok")
		case "PAUSE":
			ms, err := strconv.Atoi(args)
			if err != nil {
				fmt.Fprintln(writer, "invalid pause")
				break
			}
			if err := channel.SendInputAction(InputAction{Pause: time.Duration(ms) * time.Millisecond}); err != nil {
				return err
			}
			fmt.Fprintln(writer, "ok")
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
