package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/internal/app"
	"github.com/tidemark/tidemark/internal/config"
	"github.com/tidemark/tidemark/internal/logging"
)

// cli holds the state shared by all subcommands.
type cli struct {
	cfgFile  string
	dataDir  string
	engine   string
	hosts    []string
	prefix   string
	logLevel string

	app    *app.App
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "tidemark-ctl",
		Short: "Operate on the indices managed by tidemark",
		Long: `tidemark-ctl runs one-shot lifecycle operations against the index
engine and the range store: cycling the write alias, moving documents,
rebuilding and migrating index ranges, archiving and restoring indices.`,
		Version:            version,
		PersistentPreRunE:  c.open,
		PersistentPostRunE: c.close,
		SilenceUsage:       true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (YAML or JSON)")
	flags.StringVar(&c.dataDir, "data-dir", "", "base directory for range stores and archives")
	flags.StringVar(&c.engine, "engine", "", "index engine: memory or rest")
	flags.StringSliceVar(&c.hosts, "hosts", nil, "engine URLs")
	flags.StringVar(&c.prefix, "prefix", "", "index name prefix")
	flags.StringVar(&c.logLevel, "log-level", "warn", "log level")
	root.SetVersionTemplate(fmt.Sprintf("tidemark-ctl version {{.Version}} (commit: %s)\n", commit))

	root.AddCommand(
		c.cycleCmd(),
		c.moveCmd(),
		c.reopenCmd(),
		c.closeCmd(),
		c.rangesCmd(),
		c.rebuildRangeCmd(),
		c.migrateRangesCmd(),
		c.archiveCmd(),
		c.restoreCmd(),
	)
	return root
}

func (c *cli) open(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if c.cfgFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(c.cfgFile); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.engine != "" {
		cfg.Engine.Type = c.engine
	}
	if len(c.hosts) > 0 {
		cfg.Engine.Hosts = c.hosts
	}
	if c.prefix != "" {
		cfg.Indices.Prefix = c.prefix
	}
	cfg.Logging.Level = c.logLevel
	cfg.Logging.File = ""

	logger, closer, err := logging.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.closer = closer

	c.app, err = app.New(cmd.Context(), cfg, logger)
	return err
}

func (c *cli) close(cmd *cobra.Command, args []string) error {
	var err error
	if c.app != nil {
		err = c.app.Close()
	}
	if c.closer != nil {
		c.closer.Close()
	}
	return err
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
