package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/bizflow/internal/logging"
)

// cli carries state resolved once per invocation.
type cli struct {
	cfgFile string
	v       *viper.Viper
	cfg     Config
	logger  *slog.Logger
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"db-path":    "db_path",
	"log-level":  "log_level",
	"log-format": "log_format",
	"catalog":    "catalog_path",
	"listen":     "listen_addr",
	"scheduler":  "scheduler.enabled",
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "bizflow",
		Short:         "Business procedure engine for the operations console",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ./settings.yaml or ~/.bizflow/settings.yaml)")
	pf.String("db-path", "", "path of the libSQL database file")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("catalog", "", "YAML file overlaying the built-in catalog")

	root.AddCommand(
		newServeCmd(c),
		newMCPCmd(c),
		newRunCmd(c),
		newDiagramCmd(c),
		newInspectCmd(c),
		newMigrateCmd(c),
		newConfigCmd(c),
		newVersionCmd(),
	)
	return root
}

// init loads configuration and builds the logger. Logs go to stderr so the
// MCP stdio transport keeps stdout.
func (c *cli) init(cmd *cobra.Command) error {
	c.v = newViper(c.cfgFile)
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := c.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := loadConfig(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level, _ := logging.ParseLevel(cfg.LogLevel)
	c.logger = logging.New(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(c.logger)
	return nil
}
