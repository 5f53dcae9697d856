package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	soxy "github.com/H1d3r/soxy"
	"github.com/H1d3r/soxy/frontend"
)

// Both halves in one process, joined by their control queues: the
// frontend TCP services talk to local backend handlers without any
// remote-desktop session in between.

const CHANNEL_SIZE = 1

func main() {
	app := cli.NewApp()
	app.Name = "standalone"
	app.Usage = "run the soxy frontend and backend in a single process"
	app.Version = soxy.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, notice, warning, error)",
			Value: "info",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(soxy.Red("standalone ▶ "+err.Error()) + "\n")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := soxy.SetupLogging("standalone", soxy.LogLevel(c.String("log-level")), false)

	config, err := soxy.ReadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	fmt.Println(soxy.Cyan(soxy.LOGO))

	frontendToBackend := make(chan soxy.Message, CHANNEL_SIZE)
	backendToFrontend := make(chan soxy.Message, CHANNEL_SIZE)

	frontendChannel := soxy.NewChannel(frontendToBackend)
	backendChannel := soxy.NewChannel(backendToFrontend)

	go func() {
		if err := frontend.Serve(config, frontendChannel, backendToFrontend); err != nil {
			log.Errorf("frontend stopped: %v", err)
		} else {
			log.Debugf("frontend stopped")
		}
	}()

	return backendChannel.Run(soxy.KindBackend, frontendToBackend)
}
