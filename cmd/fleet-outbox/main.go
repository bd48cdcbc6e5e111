package main

import (
	stdlog "log"

	inflogging "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/logging"
)

const appName = "fleet-outbox"

func main() {
	logger, err := inflogging.NewJSONLogger(&inflogging.Config{AppName: appName})
	if err != nil {
		stdlog.Fatal(err)
	}

	err = newRootCommand().Execute()
	if err != nil {
		logger.FatalError(err, "fleet-outbox command failed")
	}
}
