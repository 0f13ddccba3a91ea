package model

import (
	"fmt"
	"io"

	"github.com/diwise/context-sync/pkg/values"
	yaml "gopkg.in/yaml.v2"
)

type PropertyConfig struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Members []string `yaml:"members,omitempty"`
}

type NavigationConfig struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

type JoinEndpointConfig struct {
	Type string   `yaml:"type"`
	Key  []string `yaml:"key"`
}

type JoinConfig struct {
	Declaring JoinEndpointConfig `yaml:"declaring"`
	Target    JoinEndpointConfig `yaml:"target"`
}

type EntityTypeConfig struct {
	Name        string             `yaml:"name"`
	Key         []string           `yaml:"key,omitempty"`
	Owner       string             `yaml:"owner,omitempty"`
	Abstract    bool               `yaml:"abstract,omitempty"`
	Properties  []PropertyConfig   `yaml:"properties"`
	Navigations []NavigationConfig `yaml:"navigations,omitempty"`
	Join        *JoinConfig        `yaml:"join,omitempty"`
}

type Config struct {
	EntityTypes []EntityTypeConfig `yaml:"entityTypes"`
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

// Build converts the configuration into a validated Registry
func (cfg Config) Build() (*Registry, error) {
	types := make([]EntityType, 0, len(cfg.EntityTypes))

	for _, etc := range cfg.EntityTypes {
		et := EntityType{
			Name:     etc.Name,
			Key:      etc.Key,
			Owner:    etc.Owner,
			Abstract: etc.Abstract,
		}

		for _, pc := range etc.Properties {
			t, err := values.ParseType(pc.Type, pc.Members)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", etc.Name, pc.Name, err)
			}
			et.Properties = append(et.Properties, PropertyDescriptor{Name: pc.Name, Type: t})
		}

		for _, nc := range etc.Navigations {
			kind, err := ParseNavigationKind(nc.Kind)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", etc.Name, nc.Name, err)
			}
			et.Navigations = append(et.Navigations, NavigationDescriptor{Name: nc.Name, Kind: kind, Target: nc.Target})
		}

		if etc.Join != nil {
			et.Join = &JoinDescriptor{
				Declaring: JoinEndpoint{Type: etc.Join.Declaring.Type, Key: etc.Join.Declaring.Key},
				Target:    JoinEndpoint{Type: etc.Join.Target.Type, Key: etc.Join.Target.Key},
			}
		}

		types = append(types, et)
	}

	return NewRegistry(types...)
}
