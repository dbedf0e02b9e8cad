package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/feedctl/internal/eventsource"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSourceCmd(opts *rootOptions) *cobra.Command {
	var (
		listen   string
		tcp      string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Serve a demo event feed over websocket (and optionally tcp)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.EventSource.ListenAddr = listen
			}
			if cmd.Flags().Changed("tcp") {
				cfg.EventSource.TCPAddr = tcp
			}
			if cmd.Flags().Changed("interval") {
				cfg.EventSource.Interval.Duration = interval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := opts.setupLogging("feedctl-source", cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src := eventsource.New(cfg.EventSourceConfig(), time.Now())
			err = src.Run(ctx)
			log.Info().Err(err).Msg("feedctl.source stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override eventsource.listen_addr")
	cmd.Flags().StringVar(&tcp, "tcp", "", "override eventsource.tcp_addr")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override eventsource.interval")
	return cmd
}
