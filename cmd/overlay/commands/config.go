package commands

import (
	"github.com/bisq-network/bisq-sub073/src/config"
)

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Overlay config.Config `mapstructure:",squash"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Overlay: *config.NewDefaultConfig(),
	}
}
