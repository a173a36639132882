package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fzft/go-reactor-httpd/cmd"
	"github.com/fzft/go-reactor-httpd/config"
	"github.com/fzft/go-reactor-httpd/log"
	"github.com/fzft/go-reactor-httpd/node"
	"github.com/fzft/go-reactor-httpd/store"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "cli" {
		if err := cmd.NewCli(os.Stdin, os.Stdout).Run(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args, os.Stderr)
	if err != nil {
		return err
	}

	logger, cleanup, err := log.New(log.Options{
		Level:      cfg.LogLevel,
		OutputPath: cfg.LogFile,
		Async:      cfg.LogAsync,
		Disabled:   cfg.LogDisable,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Daily:      cfg.LogDaily,
	})
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("httpd", zap.String("version", Version()))

	users := store.NewMemoryStore()
	if cfg.UsersFile != "" {
		f, err := os.Open(cfg.UsersFile)
		if err != nil {
			return err
		}
		err = users.Load(f)
		f.Close()
		if err != nil {
			return err
		}
		logger.Info("users loaded", zap.String("file", cfg.UsersFile), zap.Int("count", users.Len()))
	}

	srv, err := node.NewServer(cfg, logger, users)
	if err != nil {
		logger.Error("server init failed", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	return srv.Run(ctx)
}
