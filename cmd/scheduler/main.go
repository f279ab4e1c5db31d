package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"signalcore/internal/handlers"
	"signalcore/internal/jobqueue"
	"signalcore/internal/leader"
	"signalcore/internal/lifecycle"
	"signalcore/internal/messaging"
	"signalcore/internal/milestone"
	"signalcore/internal/models"
	"signalcore/internal/orchestrator"
	"signalcore/internal/pricemonitor"
	"signalcore/internal/routes"
	"signalcore/internal/scheduler"
	"signalcore/internal/store"
	"signalcore/internal/strategy"
	"signalcore/pkg/config"
	"signalcore/pkg/pricefeed"
)

var (
	allTenants bool
	shardFlag  string
	once       bool
	tenantFlag string
)

var rootCmd = &cobra.Command{
	Use:           "scheduler",
	Short:         "Tenant-aware signal scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load()
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, s); err != nil {
			return err
		}
		setupLogging(s.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, s)
	},
}

func init() {
	rootCmd.Flags().BoolVar(&allTenants, "all-tenants", false, "schedule every discovered tenant, ignoring SCHEDULER_TENANT_ID")
	rootCmd.Flags().StringVar(&shardFlag, "shard", "", "run only tenants of shard I/N")
	rootCmd.Flags().BoolVar(&once, "once", false, "run every task once for the selected tenants and exit")
	rootCmd.Flags().StringVar(&tenantFlag, "tenant", "", "schedule only this tenant")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("Scheduler failed")
		os.Exit(1)
	}
}

// applyFlags lets command line flags override the environment.
func applyFlags(cmd *cobra.Command, s *config.Settings) error {
	if allTenants && tenantFlag != "" {
		return fmt.Errorf("--all-tenants and --tenant are mutually exclusive")
	}
	if tenantFlag != "" {
		s.TenantID = tenantFlag
	}
	if allTenants {
		s.TenantID = ""
	}
	if cmd.Flags().Changed("shard") {
		i, n, err := config.ParseShard(shardFlag)
		if err != nil {
			return err
		}
		s.ShardIndex, s.ShardCount = i, n
	}
	return nil
}

func setupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("Unknown LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func run(ctx context.Context, s *config.Settings) error {
	db, err := config.InitDB(s)
	if err != nil {
		return err
	}
	if err := config.ExecuteMigrations(db, s.MigrationsDir); err != nil {
		return err
	}

	conn, err := config.InitRabbitMQ(s)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := config.NewPublisher(conn)
	if err != nil {
		return err
	}
	defer publisher.Close()

	tenants := store.NewTenantRepo(db)
	signals := store.NewSignalRepo(db)
	sender := messaging.NewQueueSender(publisher, messaging.NewCredentialResolver(store.NewCredentialRepo(db)), s.OutboundQueue)

	feed, err := priceFeed(ctx, s, tenants)
	if err != nil {
		return err
	}
	prices := pricemonitor.New(feed, s.PriceCacheTTL, s.PriceTolerance)

	queue := jobqueue.New(store.NewJobRepo(db))
	processor := jobqueue.NewProcessor(queue, jobqueue.DefaultBatchSize)
	processor.Handle(models.JobTypeDelayedMessage, jobqueue.DelayedMessageHandler(sender))
	processor.Handle(models.JobTypeCrossPromotion, jobqueue.CrossPromotionHandler(sender))

	deps := scheduler.Deps{
		Tenants:    tenants,
		Signals:    signals,
		Engine:     strategy.NewEngine(strategy.DefaultRegistry(), prices, signals),
		Prices:     prices,
		Lifecycle:  lifecycle.New(),
		Milestones: milestone.NewTracker(),
		Jobs:       processor,
		Sender:     sender,
	}
	factory := func(tenantID string) orchestrator.Runner {
		return scheduler.New(tenantID, deps, scheduler.Config{Grace: s.ShutdownGrace})
	}

	elector := leader.NewLeaseElector(store.NewLeaseRepo(db), s.LeaseTTL)
	orch := orchestrator.New(elector, tenants, factory, orchestrator.Options{
		Scope:             s.LeaderScope,
		PinnedTenant:      s.TenantID,
		ShardIndex:        s.ShardIndex,
		ShardCount:        s.ShardCount,
		DiscoveryInterval: s.DiscoveryEvery,
		StopGrace:         s.ShutdownGrace + 15*time.Second,
	})

	log.WithFields(log.Fields{
		"holder":  elector.HolderID(),
		"scope":   s.LeaderScope,
		"tenant":  s.TenantID,
		"shard":   fmt.Sprintf("%d/%d", s.ShardIndex, s.ShardCount),
		"oneshot": once,
	}).Info("Scheduler starting")

	if once {
		return orch.RunOnce(ctx)
	}

	srv := &http.Server{
		Addr: s.OpsAddr,
		Handler: routes.SetupRouter(&handlers.Handler{
			Signals:  signals,
			Jobs:     queue,
			Snapshot: orch.Snapshot,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", s.OpsAddr).Info("Ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Ops server stopped")
		}
	}()

	err = orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("Ops server shutdown")
	}
	log.Info("Scheduler stopped")
	return err
}

// priceFeed returns the REST client, wrapped by the websocket stream when one is configured.
func priceFeed(ctx context.Context, s *config.Settings, tenants store.TenantStore) (pricefeed.Feed, error) {
	if s.PriceFeedAPIKey == "" {
		return nil, fmt.Errorf("PRICE_FEED_API_KEY not configured")
	}
	opts := []pricefeed.Option{pricefeed.WithRateLimit(s.PriceFeedPerMinute, s.PriceFeedPerMinute)}
	if s.PriceFeedBaseURL != "" {
		opts = append(opts, pricefeed.WithBaseURL(s.PriceFeedBaseURL))
	}
	client := pricefeed.NewClient(s.PriceFeedAPIKey, opts...)
	if s.PriceFeedStreamURL == "" {
		return client, nil
	}

	configs, err := tenants.ListSchedulable(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, cfg := range configs {
		if cfg.Instrument != "" && !seen[cfg.Instrument] {
			seen[cfg.Instrument] = true
			symbols = append(symbols, cfg.Instrument)
		}
	}

	stream := pricefeed.NewStreamFeed(s.PriceFeedStreamURL, symbols, client, s.PriceCacheTTL)
	go stream.Run(ctx)
	return stream, nil
}
