package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/feedctl/internal/api"
	"github.com/danmuck/feedctl/internal/queue"
	"github.com/danmuck/feedctl/internal/remote"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/danmuck/feedctl/internal/supervisor"
	"github.com/danmuck/feedctl/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		address   string
		listen    string
		autostart bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the feed consumer and its HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Source.Address = address
			}
			if cmd.Flags().Changed("listen") {
				cfg.API.ListenAddr = listen
			}
			if cmd.Flags().Changed("autostart") {
				cfg.Session.Autostart = autostart
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := opts.setupLogging("feedctl", cfg); err != nil {
				return err
			}
			log.Info().
				Str("config", path).
				Str("source", cfg.Source.Address).
				Str("api", cfg.API.ListenAddr).
				Str("remote", cfg.Remote.Mode).
				Msg("feedctl.run starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st := store.New(cfg.StoreOptions())
			caller, err := remote.New(cfg.RemoteConfig())
			if err != nil {
				return err
			}
			proc := queue.NewProcessor(st, caller, cfg.QueueConfig())
			dialer, err := transport.NewDialer(cfg.TransportConfig())
			if err != nil {
				return err
			}
			sup, err := supervisor.New(cfg.SupervisorConfig(), dialer, st, proc)
			if err != nil {
				return err
			}
			srv := api.New(api.Options{
				Name:        "feedctl",
				Version:     version,
				CorsOrigins: cfg.API.CorsOrigins,
			}, sup, st)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sup.Run(gctx)
			})
			g.Go(func() error {
				return srv.Run(gctx, cfg.API.ListenAddr)
			})
			err = g.Wait()
			log.Info().Err(err).Msg("feedctl.run stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "override source.address (ws://, wss://, tcp:// or host:port)")
	cmd.Flags().StringVar(&listen, "listen", "", "override api.listen_addr")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start the channel immediately")
	return cmd
}
