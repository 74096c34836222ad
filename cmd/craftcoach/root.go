package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/MegaGrindStone/craftcoach/internal/config"
	"github.com/MegaGrindStone/craftcoach/internal/fetch"
	"github.com/MegaGrindStone/craftcoach/internal/logging"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	nameStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// app is the state shared by all commands, filled in before any of them runs.
type app struct {
	configPath string
	verbose    bool

	cfg    config.Config
	logger *slog.Logger
	level  *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "craftcoach",
		Short: "Path of Exile crafting coach served over MCP",
		Long: `craftcoach serves Path of Exile crafting tools (prices, mods, item parsing,
wiki lookups) to MCP clients over streamable HTTP.

Quick Start:
  craftcoach seed-mods                 # fill the mod database
  craftcoach refresh-prices            # snapshot poe.ninja and poe.watch prices
  craftcoach serve                     # serve the tools on 127.0.0.1:8081/mcp
  craftcoach tools                     # list the tools of a running server`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a .toml or .yaml config file")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(
		newServeCmd(a),
		newToolsCmd(a),
		newRefreshPricesCmd(a),
		newSeedModsCmd(a),
	)
	return cmd
}

func (a *app) load(logOut io.Writer) error {
	var err error
	if a.cfg, err = config.Load(a.configPath); err != nil {
		return err
	}
	if a.verbose {
		a.cfg.Log.Level = "debug"
	}

	a.logger, a.level, err = logging.New(logOut, logging.Options{
		Level:  a.cfg.Log.Level,
		Format: a.cfg.Log.Format,
	})
	return err
}

func (a *app) fetcher() *fetch.Client {
	return fetch.New(fetch.Config{
		MaxConcurrent: a.cfg.Fetch.MaxConcurrent,
		MinInterval:   a.cfg.Fetch.MinInterval,
		Retries:       a.cfg.Fetch.Retries,
		Timeout:       a.cfg.Fetch.Timeout,
		UserAgent:     a.cfg.Fetch.UserAgent,
	}, fetch.WithLogger(a.logger))
}
