// Command replyworker watches every configured hub's IMAP mailbox for
// replies, bounces, and unsubscribe requests, publishing classified
// events onto the bus. It also exposes an opt-in "rescan" subcommand
// that matches every INBOX message's In-Reply-To token against each
// hub's not-yet-replied recipients — a form of the legacy startup
// backlog scan from
// original_source/src/check_reply/service.rs's monitor_hub, kept only
// as a deliberate operator action rather than the default lifecycle
// (see SPEC_FULL.md §4.3/§9 and DESIGN.md's resolved Open Question).
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
	"github.com/pushkind/hedwig/internal/hedwig/classifier"
	"github.com/pushkind/hedwig/internal/hedwig/domain"
	"github.com/pushkind/hedwig/internal/hedwig/imapsession"
	"github.com/pushkind/hedwig/internal/hedwig/mimeparse"
	"github.com/pushkind/hedwig/internal/hedwig/replymonitor"
	"github.com/pushkind/hedwig/internal/hedwig/store"
	"github.com/pushkind/hedwig/internal/hedwig/supervisor"
	"github.com/pushkind/hedwig/internal/hedwigcfg"
)

func main() {
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "rescan" {
		runRescan()
		return
	}

	runMonitor()
}

func runMonitor() {
	cfg, err := hedwigcfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "replyworker: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	repo, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("cannot open repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	pub := bus.NewPublisher(cfg.ZMQReplierPub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = pub.Stop()
	}()

	if err := pub.Start(ctx); err != nil {
		logger.Error("cannot start bus publisher", "error", err)
		os.Exit(1)
	}

	c := &classifier.Classifier{Repo: repo, Publisher: pub, Logger: logger}
	monitor := &replymonitor.Monitor{
		Repo:       repo,
		Classifier: c,
		Dial:       dialIMAP,
		Domain:     cfg.Domain,
		Logger:     logger,
	}

	lookup := func(ctx context.Context, hubID int64) (domain.Hub, bool, error) {
		hub, err := repo.GetHubByID(ctx, hubID)
		if err != nil {
			if err == store.ErrNotFound {
				return domain.Hub{}, false, nil
			}
			return domain.Hub{}, false, err
		}
		if !hub.HasIMAP() {
			return domain.Hub{}, false, nil
		}
		return hub, true, nil
	}

	mgr := supervisor.NewManager(lookup, monitor.Run, logger)

	hubs, err := repo.ListHubs(ctx)
	if err != nil {
		logger.Error("cannot list hubs", "error", err)
		os.Exit(1)
	}
	for _, hub := range hubs {
		if hub.HasIMAP() {
			mgr.Supervise(ctx, hub.ID)
		}
	}

	logger.Info("replyworker started", "hubs", len(hubs))
	<-ctx.Done()
	mgr.Stop()
	logger.Info("replyworker stopped")
}

func dialIMAP(ctx context.Context, cfg imapsession.Config) (replymonitor.Session, error) {
	return imapsession.Connect(ctx, cfg)
}

// runRescan fetches and parses every INBOX message of every
// IMAP-configured hub and classifies each one whose In-Reply-To names
// one of that hub's not-yet-replied recipients. It does not use an
// IMAP header search, and every matching message is classified, not
// only the most recent one per recipient. It never touches the per-hub
// watermark, so it cannot regress the monitoring loop's resumption
// point.
func runRescan() {
	cfg, err := hedwigcfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "replyworker rescan: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	repo, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("cannot open repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	pub := bus.NewPublisher(cfg.ZMQReplierPub, logger)
	ctx := context.Background()
	if err := pub.Start(ctx); err != nil {
		logger.Error("cannot start bus publisher", "error", err)
		os.Exit(1)
	}
	defer pub.Stop()

	c := &classifier.Classifier{Repo: repo, Publisher: pub, Logger: logger}

	hubs, err := repo.ListHubs(ctx)
	if err != nil {
		logger.Error("cannot list hubs", "error", err)
		os.Exit(1)
	}

	for _, hub := range hubs {
		if !hub.HasIMAP() {
			continue
		}
		rescanHub(ctx, repo, c, hub, cfg.Domain, logger)
	}
}

func rescanHub(ctx context.Context, repo *store.Store, c *classifier.Classifier, hub domain.Hub, appDomain string, logger *slog.Logger) {
	session, err := imapsession.Connect(ctx, imapsession.Config{
		Host:     hub.IMAPServer,
		Port:     hub.IMAPPort,
		Username: hub.Login,
		Password: hub.Password,
	})
	if err != nil {
		logger.Error("cannot connect for rescan", "hub_id", hub.ID, "error", err)
		return
	}
	defer session.Close()

	recipients, err := repo.ListNotRepliedEmailRecipients(ctx, hub.ID)
	if err != nil {
		logger.Error("cannot list not-replied recipients", "hub_id", hub.ID, "error", err)
		return
	}
	logger.Info("rescanning hub", "hub_id", hub.ID, "recipients", len(recipients))

	uids, err := session.SearchSince(0)
	if err != nil {
		logger.Error("cannot search mailbox for rescan", "hub_id", hub.ID, "error", err)
		return
	}

	for _, uid := range uids {
		raw, ok, err := session.FetchRFC822(uid)
		if err != nil || !ok {
			continue
		}
		parsed, err := mimeparse.Parse(raw, appDomain)
		if err != nil || !parsed.HasRecipientID {
			continue
		}
		for _, recipient := range recipients {
			if recipient.ID == parsed.RecipientID {
				c.Process(ctx, hub.ID, parsed)
				break
			}
		}
	}
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
