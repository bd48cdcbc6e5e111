package main

import (
	"github.com/spf13/cobra"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
	outboxmigrations "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox/migrations"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/registration"
)

func newMigrateCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the users and outbox tables",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = joinErrors(err, a.Close())
			}()

			pool := mysql.NewConnectionPool(a.client)

			userMigrator, releaseUsers, err := registration.NewUserMigrator(cmd.Context(), pool, a.logger)
			if err != nil {
				return err
			}
			err = joinErrors(userMigrator.Migrate(cmd.Context()), releaseUsers())
			if err != nil {
				return err
			}

			outboxMigrator, releaseOutbox, err := outboxmigrations.NewOutboxMigrator(cmd.Context(), pool, a.logger, cfg.Outbox.Table)
			if err != nil {
				return err
			}
			err = joinErrors(outboxMigrator.Migrate(cmd.Context()), releaseOutbox())
			if err != nil {
				return err
			}
			a.logger.Info("migrations applied")
			return nil
		},
	}
}
