package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/redpine-sec/citadel/model"
)

// config is the startup configuration. Everything has a working default so
// the server runs with no config file at all (in-memory storage, open auth).
type config struct {
	BindAddr      string            `yaml:"bind_addr"`
	Elasticsearch string            `yaml:"elasticsearch"`
	AuthEnabled   bool              `yaml:"auth_enabled"`
	APIKeyHashes  map[string]string `yaml:"api_key_hashes"` // key name -> sha512 hash
	Tuning        model.Tuning      `yaml:"tuning"`
}

func loadConfig(path string) (*config, error) {
	conf := &config{
		BindAddr: ":8080",
		Tuning:   *model.DefaultTuning(),
	}

	if path == "" {
		return conf, nil
	}
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		log.Println("Config file not found, using defaults:", path)
		return conf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %s", err)
	}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, fmt.Errorf("error parsing config file: %s", err)
	}

	if err := validateTuning(&conf.Tuning); err != nil {
		return nil, err
	}
	return conf, nil
}

func validateTuning(tun *model.Tuning) error {
	if tun.SessionCheckThreshold < 0 || tun.ActionStaleThreshold <= 0 {
		return fmt.Errorf("tuning thresholds must be positive")
	}
	if tun.SessionCheckModifier <= 1 || tun.SessionArchiveModifier <= 1 {
		return fmt.Errorf("tuning modifiers must be greater than 1")
	}
	if tun.DefaultInterval <= 0 || tun.DefaultIntervalDelta < 0 {
		return fmt.Errorf("agent interval defaults must be positive")
	}
	if tun.DefaultSubset == "" {
		return fmt.Errorf("default_subset must not be empty")
	}
	return nil
}
