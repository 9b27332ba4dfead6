package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/issue-hub/issue-hub/internal/apiserver"
	"github.com/issue-hub/issue-hub/internal/issues"
	"github.com/issue-hub/issue-hub/internal/logging"
	"github.com/issue-hub/issue-hub/internal/staging"
	"github.com/issue-hub/issue-hub/internal/storage/sqldb"
	"github.com/issue-hub/issue-hub/internal/version"
)

func newAPICommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "启动服务端：幂等 create-issue 接口与离线提交暂存集合",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAPI(cmd.Context(), opts)
		},
	}
}

func runAPI(parent context.Context, opts *rootOptions) error {
	cfg, logger, path, err := loadRuntime(opts)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqldb.Open(cfg.API.Driver, cfg.API.DSN)
	if err != nil {
		return fmt.Errorf("打开服务端数据库失败: %w", err)
	}
	defer db.Close()

	applied, err := sqldb.AppliedMigrations(db)
	if err != nil {
		return err
	}

	app, err := apiserver.NewApp(apiserver.Options{
		Logger:  logger,
		Issues:  issues.New(db),
		Staging: staging.New(db),
	})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("api_startup", path)
	fields["driver"] = cfg.API.Driver
	fields["migrations"] = applied
	fields["listen_port"] = cfg.API.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("服务端配置加载完成")

	return listenUntilDone(ctx, app, cfg.API.ListenPort, logger)
}
