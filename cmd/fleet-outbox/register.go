package main

import (
	"fmt"

	"github.com/spf13/cobra"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	appregistration "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/registration"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/registration"
)

func newRegisterCommand(loadConfig configLoader) *cobra.Command {
	var (
		email    string
		name     string
		role     string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user and record its user.registered event",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			parsedRole, err := appregistration.ParseRole(role)
			if err != nil {
				return err
			}
			parsedMetadata, err := appregistration.DecodeMetadata(parsedRole, []byte(metadata))
			if err != nil {
				return err
			}

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

			store, err := a.outboxStore()
			if err != nil {
				return err
			}
			uow := mysql.NewUnitOfWork(
				mysql.NewConnectionPool(a.client),
				registration.NewRepositoryProviderBuilder(store, appoutbox.NewJSONSerializer()),
			)
			service := appregistration.NewService(uow, a.logger)

			id, err := service.RegisterUser(cmd.Context(), appregistration.RegisterUser{
				Email:    email,
				Name:     name,
				Role:     parsedRole,
				Metadata: parsedMetadata,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&role, "role", "", "DRIVER, SHOP_OWNER or CLIENT")
	cmd.Flags().StringVar(&metadata, "metadata", "{}", "role metadata as JSON")
	for _, flag := range []string{"email", "name", "role"} {
		_ = cmd.MarkFlagRequired(flag)
	}
	return cmd
}
