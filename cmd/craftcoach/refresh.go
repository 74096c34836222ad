package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/craftcoach/internal/refresh"
	"github.com/MegaGrindStone/craftcoach/internal/store"
	"github.com/spf13/cobra"
)

type refreshOptions struct {
	ninjaAPI string
	watchAPI string
	modsURL  string
}

func (o *refreshOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.ninjaAPI, "ninja-api", refresh.DefaultNinjaAPI, "poe.ninja data API")
	cmd.Flags().StringVar(&o.watchAPI, "watch-api", refresh.DefaultWatchAPI, "poe.watch API")
	cmd.Flags().StringVar(&o.modsURL, "mods-url", refresh.DefaultModsURL, "RePoE mods.min.json URL")
	_ = cmd.Flags().MarkHidden("ninja-api")
	_ = cmd.Flags().MarkHidden("watch-api")
	_ = cmd.Flags().MarkHidden("mods-url")
}

func newRefreshPricesCmd(a *app) *cobra.Command {
	var league string
	opts := &refreshOptions{}
	cmd := &cobra.Command{
		Use:   "refresh-prices",
		Short: "Snapshot poe.ninja and poe.watch prices into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if league == "" {
				league = a.cfg.League
			}
			return a.withRefresher(cmd.Context(), opts, func(ctx context.Context, r *refresh.Refresher) error {
				sum, err := r.Prices(ctx, league)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s: %d poe.ninja and %d poe.watch prices stored",
					sum.League, sum.Ninja, sum.Watch)))
				for _, w := range sum.Warnings {
					fmt.Fprintln(out, warningStyle.Render("warning: "+w))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&league, "league", "l", "", "League to price, defaults to the configured league")
	opts.bind(cmd)
	return cmd
}

func newSeedModsCmd(a *app) *cobra.Command {
	var file string
	opts := &refreshOptions{}
	cmd := &cobra.Command{
		Use:   "seed-mods",
		Short: "Load the RePoE mod database into the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRefresher(cmd.Context(), opts, func(ctx context.Context, r *refresh.Refresher) error {
				n, err := r.Mods(ctx, file)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render(fmt.Sprintf("%d mods stored", n)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read mods from a local mods.json instead of downloading it")
	opts.bind(cmd)
	return cmd
}

func (a *app) withRefresher(
	ctx context.Context,
	opts *refreshOptions,
	fn func(context.Context, *refresh.Refresher) error,
) error {
	st, err := store.Open(ctx, a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			a.logger.Warn("failed to close store", slog.String("err", err.Error()))
		}
	}()

	r := refresh.New(a.fetcher(), st,
		refresh.WithEndpoints(opts.ninjaAPI, opts.watchAPI, opts.modsURL),
		refresh.WithLogger(a.logger))
	return fn(ctx, r)
}
