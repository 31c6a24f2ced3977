package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Get reads the yaml file f. An empty name yields a config holding only
// defaults.
func Get(f string) (*Configs, error) {
	config := &Configs{}
	if f != "" {
		file, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		err = GetYaml(file, config)
		if err != nil {
			return nil, err
		}
	}
	config.SetDefaults()
	return config, nil
}

func GetYaml(f []byte, s interface{}) error {
	y := yaml.Unmarshal(f, s)
	return y
}
