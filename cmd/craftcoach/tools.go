package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/craftcoach"
	"github.com/spf13/cobra"
)

type toolsOptions struct {
	endpoint string
	timeout  time.Duration
}

func newToolsCmd(a *app) *cobra.Command {
	opts := &toolsOptions{}
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), opts, func(ctx context.Context, cli *mcp.StreamableClient) error {
				res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
				if err != nil {
					return err
				}
				return printTools(cmd.OutOrStdout(), cli.ServerInfo(), res.Tools)
			})
		},
	}
	cmd.PersistentFlags().StringVar(&opts.endpoint, "endpoint", "", "MCP endpoint, defaults to the configured server address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall timeout")

	cmd.AddCommand(newToolsCallCmd(a, opts))
	return cmd
}

func newToolsCallCmd(a *app, opts *toolsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call NAME [ARGUMENTS_JSON]",
		Short: "Call one tool and print its result",
		Example: `  craftcoach tools call price_tool '{"itemOrCurrency":"Mageblood"}'
  craftcoach tools call wiki_tool '{"topic":"Harvest"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := mcp.CallToolParams{Name: args[0], Arguments: json.RawMessage(`{}`)}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.New("arguments must be a JSON object")
				}
				params.Arguments = json.RawMessage(args[1])
			}

			return a.withClient(cmd.Context(), opts, func(ctx context.Context, cli *mcp.StreamableClient) error {
				res, err := cli.CallToolStream(ctx, params, func(p mcp.ProgressParams) {
					fmt.Fprintln(cmd.ErrOrStderr(), titleStyle.Render(fmt.Sprintf("[%v/%v] %s", p.Progress, p.Total, p.Message)))
				})
				if err != nil {
					return err
				}
				for _, c := range res.Content {
					fmt.Fprintln(cmd.OutOrStdout(), c.Text)
				}
				if res.IsError {
					return fmt.Errorf("tool %s failed", params.Name)
				}
				return nil
			})
		},
	}
}

// withClient initializes a session against the server, runs fn and terminates the session.
func (a *app) withClient(
	ctx context.Context,
	opts *toolsOptions,
	fn func(context.Context, *mcp.StreamableClient) error,
) error {
	endpoint := opts.endpoint
	if endpoint == "" {
		endpoint = "http://" + a.cfg.Server.Addr + a.cfg.Server.BasePath
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	cli := mcp.NewStreamableClient(endpoint, mcp.Info{Name: "craftcoach-cli", Version: version}, &http.Client{},
		mcp.WithStreamableClientLogger(a.logger))
	if _, err := cli.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize session with %s: %w", endpoint, err)
	}
	defer func() {
		if err := cli.Terminate(context.Background()); err != nil {
			a.logger.Debug("failed to terminate session", slog.String("err", err.Error()))
		}
	}()

	return fn(ctx, cli)
}

func printTools(w io.Writer, info mcp.Info, tools []mcp.Tool) error {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s %s: %d tools", info.Name, info.Version, len(tools))))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, tool := range tools {
		desc, _, _ := strings.Cut(tool.Description, "\n")
		fmt.Fprintf(tw, "%s\t%s\n", nameStyle.Render(tool.Name), desc)
	}
	return tw.Flush()
}
