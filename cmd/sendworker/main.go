// Command sendworker consumes ZMQSendEmailMessage frames off the bus
// and delivers mail over SMTP, committing delivery status to the
// repository. Bootstrap shape (flag parsing, slog setup,
// signal-driven graceful shutdown) grounded on the teacher's
// cmd/thane/main.go runServe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pushkind/hedwig/internal/hedwig/bus"
	"github.com/pushkind/hedwig/internal/hedwig/smtpsender"
	"github.com/pushkind/hedwig/internal/hedwig/store"
	"github.com/pushkind/hedwig/internal/hedwigcfg"
)

func main() {
	flag.Parse()

	cfg, err := hedwigcfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendworker: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	repo, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("cannot open repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	sub := bus.NewSubscriber(cfg.ZMQEmailerSub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = sub.Stop()
	}()

	if err := sub.Start(ctx); err != nil {
		logger.Error("cannot start bus subscriber", "error", err)
		os.Exit(1)
	}

	svc := &smtpsender.Service{
		Repo:   repo,
		Domain: cfg.Domain,
		Mailer: smtpsender.SMTPMailer{},
		Logger: logger,
	}

	logger.Info("sendworker started", "endpoint", cfg.ZMQEmailerSub)
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("cannot receive bus message", "error", err)
			continue
		}
		if err := svc.Handle(ctx, msg); err != nil {
			logger.Error("cannot handle send-email message", "error", err)
		}
	}

	logger.Info("sendworker stopped")
}

// newLogger builds the process logger, level and TRACE naming driven
// by HEDWIG_LOG_LEVEL; cfg.validate has already rejected an unparsable
// level, so the error here is unreachable in practice.
func newLogger(cfg *hedwigcfg.Config) *slog.Logger {
	level, _ := hedwigcfg.ParseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: hedwigcfg.ReplaceLogLevelNames}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
