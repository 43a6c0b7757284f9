// Package cmd implements the switchboard command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/switchboard/internal/config"
	"github.com/Iron-Ham/switchboard/internal/coordination"
	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// localConfigFile is read from the working directory in preference to the
// user-level config file.
const localConfigFile = "switchboard.yaml"

// NewRootCmd builds the switchboard command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "switchboard",
		Short: "Coordination substrate for concurrent coding agents",
		Long: `Switchboard lets agents working in one repository coordinate: file locks
prevent conflicting edits, signed messages carry findings and requests,
acknowledgments are retried and escalated, and votes settle disagreements.

Every agent process points at the same state directory. The calling agent
is given by --agent or SWITCHBOARD_AGENT.

Exit codes: 0 success, 1 conflict or invalid input, 2 internal failure.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initConfig,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./switchboard.yaml or $HOME/.config/switchboard/config.yaml)")
	flags.String("state-dir", "", "shared state directory (default .switchboard)")
	flags.StringP("agent", "a", "", "id of the calling agent")
	flags.Bool("json", false, "print machine-readable JSON")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("state.dir", flags.Lookup("state-dir"))
	_ = viper.BindPFlag("agent", flags.Lookup("agent"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.NewValidationError(err.Error()).WithCause(err)
	})

	root.AddCommand(
		newLockCmd(),
		newMsgCmd(),
		newAckCmd(),
		newVoteCmd(),
		newAgentCmd(),
		newConfigCmd(),
		newRunCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	err := root.Execute()
	reportError(newPrinter(root.ErrOrStderr()), err)
	return errors.ExitCode(err)
}

// reportError prints err for the person at the terminal. Errors that are
// neither marked user-facing nor a caller mistake are internal failures:
// the headline says so and the detail is muted.
func reportError(p *printer, err error) {
	if err == nil {
		return
	}
	if !errors.IsUserFacing(err) && errors.ExitCode(err) == errors.ExitInternal {
		p.Errorf("internal failure")
		p.Mutedf("%v", err)
		return
	}
	if errors.GetSeverity(err) <= errors.SeverityWarning {
		p.Warnf("%v", err)
		return
	}
	p.Errorf("%v", err)
}

func initConfig(_ *cobra.Command, _ []string) error {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(localConfigFile); err == nil {
		viper.SetConfigFile(localConfigFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.SetEnvPrefix("SWITCHBOARD")
	// e.g., SWITCHBOARD_ACK_MAX_RETRIES for ack.max_retries
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.NewValidationError("cannot read config file").WithCause(err)
		}
	}
	return nil
}

// loadConfig returns the merged, validated configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.NewValidationError("invalid configuration").WithCause(err)
	}
	return cfg, nil
}

// withHub runs fn against a Hub for the configured state directory.
func withHub(fn func(*coordination.Hub) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	hub, err := coordination.NewHub(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = hub.Close() }()
	return fn(hub)
}

// callingAgent returns the validated id given by --agent or SWITCHBOARD_AGENT.
func callingAgent() (string, error) {
	id := strings.TrimSpace(viper.GetString("agent"))
	if id == "" {
		return "", errors.NewValidationError("no calling agent: pass --agent or set SWITCHBOARD_AGENT").WithField("agent")
	}
	if err := mailbox.ValidateAgentID(id); err != nil {
		return "", err
	}
	return id, nil
}

func jsonOutput() bool { return viper.GetBool("json") }

// exactArgs is cobra.ExactArgs reporting a validation error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return errors.NewValidationError(fmt.Sprintf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args)))
		}
		return nil
	}
}

// minArgs is cobra.MinimumNArgs reporting a validation error.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return errors.NewValidationError(fmt.Sprintf("%s expects at least %d argument(s), got %d", cmd.CommandPath(), n, len(args)))
		}
		return nil
	}
}
