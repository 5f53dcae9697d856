package frontend

import (
	"net"
	"strconv"

	soxy "github.com/H1d3r/soxy"
)

// Serve binds a TCP listener for every enabled service and runs the
// frontend dispatcher until the inbound pipeline closes.
func Serve(config soxy.Config, channel *soxy.Channel, inbound <-chan soxy.Message) error {
	servers, err := bindServers(config)
	if err != nil {
		return err
	}

	for _, server := range servers {
		server := server
		go func() {
			if err := server.Start(channel); err != nil {
				log.Errorf("%s error: %v", server.Service().Name, err)
			} else {
				log.Debugf("%s terminated", server.Service().Name)
			}
		}()
	}

	return channel.Run(soxy.KindFrontend, inbound)
}

func bindServers(config soxy.Config) (servers []*soxy.FrontendTcpServer, err error) {
	for _, serviceConfig := range config.Services {
		if !serviceConfig.Enabled {
			continue
		}

		service := soxy.Lookup(serviceConfig.Name)
		if service == nil {
			err = soxy.ErrUnknownService
			log.Errorf("configuration names unknown service %q", serviceConfig.Name)
			for _, bound := range servers {
				_ = bound.Close()
			}
			return
		}
		if service.Frontend == nil {
			continue
		}

		ip := serviceConfig.Ip
		if ip == "" {
			ip = config.Ip
		}
		port := serviceConfig.Port
		if port == 0 {
			port = service.Frontend.DefaultPort
		}
		if port == 0 {
			log.Warningf("service %s has no port, skipping", service.Name)
			continue
		}

		var server *soxy.FrontendTcpServer
		addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
		server, err = soxy.BindFrontendTcpServer(service, addr, serviceConfig.Destination)
		if err != nil {
			for _, bound := range servers {
				_ = bound.Close()
			}
			return
		}
		servers = append(servers, server)
	}
	return
}

// Start wires a control instance to a fresh frontend channel and
// spawns every long-running goroutine of the plugin. It is what the
// host SDK shims call once the module is loaded.
func Start(control *Control) (*soxy.Channel, error) {
	config, err := soxy.ReadConfig()
	if err != nil {
		return nil, err
	}

	soxy.SetupLogging("soxy", soxy.LogLevel(config.LogLevel), false)

	log.Debugf("initializing frontend")

	channel := soxy.NewChannel(control.Sink())

	go func() {
		if err := control.RunHostEvents(); err != nil {
			log.Errorf("control stopped: %v", err)
		} else {
			log.Debugf("control stopped")
		}
	}()
	go func() {
		if err := control.RunDispatcher(); err != nil {
			log.Errorf("channel control stopped: %v", err)
		} else {
			log.Debugf("channel control stopped")
		}
	}()
	go func() {
		if err := Serve(config, channel, control.Messages()); err != nil {
			log.Errorf("frontend error: %v", err)
		} else {
			log.Debugf("frontend terminated")
		}
	}()

	return channel, nil
}
