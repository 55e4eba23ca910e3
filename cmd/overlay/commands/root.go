package commands

import (
	"github.com/spf13/cobra"
)

var (
	_config = NewDefaultCLIConfig()
)

//RootCmd is the root command for the overlay node
var RootCmd = &cobra.Command{
	Use:              "overlay",
	Short:            "anonymity-network P2P overlay node",
	TraverseChildren: true,
}
