package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"termgate/internal/config"
)

type cli struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer

	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
}

func newRootCmd(stdin *os.File, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr, v: viper.New(), logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "termgate",
		Short: "Terminal client for the panel's session gateway",
		Long: `termgate opens a terminal session through the panel gateway.

Sessions start in restricted mode, where only allow-listed commands run.
A full interactive shell needs a short-lived break-glass grant, obtained
with your password and TOTP code; the session is closed when it expires.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.termgate/config.yaml)")
	flags.String("gateway-url", "", "terminal websocket URL")
	flags.String("api-url", "", "panel API base URL for break-glass calls")
	flags.String("token", "", "access token")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")

	_ = c.v.BindPFlag("gateway.ws_url", flags.Lookup("gateway-url"))
	_ = c.v.BindPFlag("gateway.api_url", flags.Lookup("api-url"))
	_ = c.v.BindPFlag("auth.token", flags.Lookup("token"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(newConnectCmd(c), newVersionCmd(c))
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := config.NewLogger(c.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.stdout, "termgate %s (%s) %s\n", version, commit, date)
		},
	}
}
