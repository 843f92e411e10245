package cmd

import (
	"github.com/chainlab/testchain/config"
)

// loadConfig reads the operator configuration from cfgFile if one was given via --config, otherwise falls back
// to config.DefaultConfig(), mirroring the teacher's cmdRunFuzz config-resolution flow (custom file, else
// built-in default).
func loadConfig() (config.Config, error) {
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.ReadConfigFromFile(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}
