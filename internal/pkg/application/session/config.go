package session

import (
	"io"

	"github.com/diwise/context-sync/pkg/model"
	yaml "gopkg.in/yaml.v2"
)

type SessionConfig struct {
	Name               string `yaml:"name"`
	PendingJoins       int    `yaml:"pendingJoins"`
	NotificationBuffer int    `yaml:"notificationBuffer"`
	// Detached sessions are not attached to the broadcast channel and only
	// change through merges
	Detached bool `yaml:"detached"`
}

type Config struct {
	Model    model.Config    `yaml:"model"`
	Sessions []SessionConfig `yaml:"sessions"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)

	return cfg, err
}
