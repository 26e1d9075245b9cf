// Command rpi2vex runs on the Raspberry Pi attached to a VEX Cortex robot. It
// records training video while the operator drives and drives the robot from
// camera stills when switched to autonomous mode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oomwoo/raspberry-pi/internal/config"
	"github.com/oomwoo/raspberry-pi/internal/version"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "rpi2vex",
		Short: "Raspberry Pi link to a VEX Cortex robot",
		Long: "rpi2vex listens for link commands from the VEX Cortex, records video and a " +
			"command log while the operator drives, and sends drive commands from an " +
			"image classifier in autonomous mode.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd, v, configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.json, .yaml or .toml)")
	bindFlags(cmd.PersistentFlags(), v)

	cmd.AddCommand(newRunCmd(v, &configPath))
	cmd.AddCommand(newSessionsCmd(v, &configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newRunCmd(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the link until the robot terminates it (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd, v, *configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rpi2vex %s\n", version.String())
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
