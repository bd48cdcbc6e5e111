package main

import (
	"github.com/spf13/cobra"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

func newRelayCommand(loadConfig configLoader) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver pending outbox records to the configured transport",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = joinErrors(err, a.Close())
			}()

			store, err := a.outboxStore()
			if err != nil {
				return err
			}
			transport, err := a.outboxTransport(ctx)
			if err != nil {
				return err
			}

			relayConfig := cfg.Outbox.relayConfig()
			var locker mysql.Locker
			if relayConfig.Mode == outbox.ModeExclusive {
				locker = mysql.NewLocker(mysql.NewConnectionPool(a.client))
			}
			relay := outbox.NewRelay(cfg.Outbox.Name, store, transport, locker, relayConfig, a.logger.WithFields(logging.Fields{
				"table":     cfg.Outbox.Table,
				"transport": cfg.Transport.Kind,
			}))

			if once {
				result, runErr := relay.RunOnce(ctx)
				if runErr != nil {
					return runErr
				}
				a.logger.WithFields(logging.Fields{
					"fetched":       result.Fetched,
					"delivered":     result.Delivered,
					"failed":        result.Failed,
					"dead_lettered": result.DeadLettered,
				}).Info("outbox relay ran once")
				return nil
			}
			return relay.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single relay cycle and exit")
	return cmd
}
