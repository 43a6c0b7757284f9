package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/switchboard/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show switchboard configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the effective configuration",
			Args:  exactArgs(0),
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Show the config file in use",
			Args:  exactArgs(0),
			RunE:  runConfigPath,
		},
	)
	return cmd
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout())
	if jsonOutput() {
		return p.JSON(cfg)
	}

	// Show where config is being read from
	if used := viper.ConfigFileUsed(); used != "" {
		p.Mutedf("# config file: %s", used)
	} else {
		p.Mutedf("# config file: (none - using defaults)")
	}
	p.Mutedf("# state directory: %s", cfg.StateDir())

	settings := viper.AllSettings()
	delete(settings, "config")
	delete(settings, "agent")
	delete(settings, "json")
	if m, ok := settings["messaging"].(map[string]any); ok && m["secret"] != "" && m["secret"] != nil {
		m["secret"] = "(redacted)"
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd.OutOrStdout())
	if used := viper.ConfigFileUsed(); used != "" {
		p.Printf("%s", used)
		return nil
	}
	p.Printf("%s", config.ConfigFile())
	p.Mutedf("(not present; using defaults)")
	return nil
}
