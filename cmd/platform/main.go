package main

import (
	"context"

	"gitee.com/flycash/sequence-platform/internal/ioc"
	"gitee.com/flycash/sequence-platform/internal/pkg/credential"

	"github.com/gotomicro/ego"
	"github.com/gotomicro/ego/core/elog"
)

func main() {
	egoApp := ego.New()

	app := ioc.InitApp(credential.NewEnvStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.StartTasks(ctx)

	if err := egoApp.Cron(app.Crons...).Run(); err != nil {
		elog.Panic("startup", elog.Any("err", err))
	}
}
