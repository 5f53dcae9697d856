package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	soxy "github.com/H1d3r/soxy"
	"github.com/H1d3r/soxy/backend"
)

func main() {
	app := cli.NewApp()
	app.Name = "soxyd"
	app.Usage = "soxy backend: run inside the remote desktop session"
	app.Version = soxy.CURRENT_VERSION.String()
	app.ArgsUsage = "[channel name]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, notice, warning, error)",
			Value: "info",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		os.Stderr.WriteString(soxy.Red("soxyd ▶ "+err.Error()) + "\n")
		os.Exit(1)
	}
}

func run(c *cli.Context) (err error) {
	log := soxy.SetupLogging("soxyd", soxy.LogLevel(c.String("log-level")), true)

	channelName := c.Args().First()
	if channelName == "" {
		channelName = soxy.VIRTUAL_CHANNEL_DEFAULT_NAME
	}

	log.Infof("virtual channel name is %q", channelName)

	vc, err := backend.LoadGenericChannel()
	if err != nil {
		return
	}

	go func() {
		if err := backend.Run(vc, channelName); err != nil {
			log.Fatalf("%v", err)
		}
	}()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM)
	sig, ok := <-stopSignal
	if ok {
		log.Noticef("stopping with signal %v", sig)
	}
	return
}
