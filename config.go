package soxy

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const VIRTUAL_CHANNEL_DEFAULT_NAME = "SOXY"

const CONFIG_FILENAME = "frontend.toml"

type ServiceConfig struct {
	Name        string `toml:"name"`
	Enabled     bool   `toml:"enabled"`
	Ip          string `toml:"ip,omitempty"`
	Port        uint16 `toml:"port,omitempty"`
	Destination string `toml:"destination,omitempty"`
}

type Config struct {
	Ip       string          `toml:"ip"`
	Channel  string          `toml:"channel"`
	LogLevel string          `toml:"log_level"`
	LogFile  string          `toml:"log_file,omitempty"`
	Services []ServiceConfig `toml:"services"`
}

func DefaultConfig() Config {
	var services []ServiceConfig
	for _, service := range Services {
		if service.Frontend == nil {
			continue
		}
		services = append(services, ServiceConfig{
			Name: service.Name,
			//	forward stays off until a destination is configured
			Enabled: service.Frontend.DefaultPort != 0,
			Port:    service.Frontend.DefaultPort,
		})
	}
	return Config{
		Ip:       "127.0.0.1",
		Channel:  VIRTUAL_CHANNEL_DEFAULT_NAME,
		LogLevel: "info",
		Services: services,
	}
}

// ConfigPath is the platform-conventional location of the frontend
// configuration file.
func ConfigPath() (path string, err error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return
	}
	dir = filepath.Join(dir, "soxy")
	if err = os.MkdirAll(dir, os.FileMode(0700)); err != nil {
		return
	}
	path = filepath.Join(dir, CONFIG_FILENAME)
	return
}

func readConfigFile(path string) (config Config, err error) {
	_, err = toml.DecodeFile(path, &config)
	return
}

func (c Config) saveTo(path string) (err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(0600))
	if err != nil {
		return
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(c)
}

// ReadConfig loads the frontend configuration, generating the default
// file on first run.
func ReadConfig() (config Config, err error) {
	path, err := ConfigPath()
	if err != nil {
		return
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		config = DefaultConfig()
		err = config.saveTo(path)
		return
	}
	return readConfigFile(path)
}

func (c Config) Save() (err error) {
	path, err := ConfigPath()
	if err != nil {
		return
	}
	return c.saveTo(path)
}

// VirtualChannelName validates and pads a channel name to the fixed
// 8-byte wire layout (7 ASCII bytes + NUL).
func VirtualChannelName(name string) (channelName [8]byte, err error) {
	if len(name) > 7 {
		err = invalidChannelName(name)
		return
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] > 0x7F {
			err = invalidChannelName(name)
			return
		}
	}
	copy(channelName[:], name)
	return
}
