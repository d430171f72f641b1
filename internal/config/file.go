package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile loads config from a flat YAML file whose keys are the
// lower-case environment variable names, e.g.
//
//	database_url: postgres://localhost/channelfeed
//	sync_interval: 5m
//	channel_parallelism: 15
//
// Environment variables are not consulted.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return build(func(key string) string {
		return values[strings.ToLower(key)]
	})
}
