package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/natemoovs/zerochurn/internal/api"
	"github.com/natemoovs/zerochurn/internal/campaign"
	"github.com/natemoovs/zerochurn/internal/churn"
	"github.com/natemoovs/zerochurn/internal/config"
	"github.com/natemoovs/zerochurn/internal/escalation"
	"github.com/natemoovs/zerochurn/internal/health"
	"github.com/natemoovs/zerochurn/internal/notify"
	"github.com/natemoovs/zerochurn/internal/reactor"
	"github.com/natemoovs/zerochurn/internal/repository/postgres"
	"github.com/natemoovs/zerochurn/internal/snapshot"
	"github.com/natemoovs/zerochurn/internal/worker"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("redis unavailable, using postgres locks: %v", err)
			rdb = nil
		}
	}

	// Repositories
	accounts := postgres.NewAccountRepo(db)
	snapshots := postgres.NewSnapshotRepo(db)
	tasks := postgres.NewTaskRepo(db)
	campaigns := postgres.NewCampaignRepo(db)
	escalations := postgres.NewEscalationRepo(db)
	activities := postgres.NewActivityRepo(db)

	// Notification boundary: SES when keys are present, SMTP otherwise.
	var sender notify.Sender
	if cfg.Notify.SESEnabled() {
		sesSender, err := notify.NewSESSender(context.Background(), notify.SESConfig{
			Region:    cfg.Notify.SESRegion,
			AccessKey: cfg.Notify.SESKey,
			SecretKey: cfg.Notify.SESSecret,
			From:      cfg.Notify.From,
			To:        cfg.Notify.To,
		})
		if err != nil {
			log.Fatalf("ses sender: %v", err)
		}
		sender = sesSender
	} else {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host: cfg.Notify.SMTPHost,
			Port: cfg.Notify.SMTPPort,
			From: cfg.Notify.From,
			To:   cfg.Notify.To,
		})
	}
	dispatcher := notify.NewDispatcher(sender, cfg.Notify.QueueDepth)
	dispatcher.Start()
	defer dispatcher.Stop()

	webhooks := campaign.NewWebhookDispatcher(cfg.Notify.QueueDepth)
	webhooks.Start(context.Background())
	defer webhooks.Stop()

	// Core components
	classifier := health.NewClassifier(health.Thresholds{
		InactivityDays:     cfg.Health.InactivityDays,
		LowUsageTrips:      cfg.Health.LowUsageTrips,
		FailedPaymentLimit: cfg.Health.FailedPaymentLimit,
		MinPaymentSuccess:  cfg.Health.MinPaymentSuccess,
		TicketSurgeLimit:   cfg.Health.TicketSurgeLimit,
	})
	model := churn.NewModel(churn.DefaultWeights(), nil)

	runner := snapshot.NewRunner(accounts, snapshots, tasks, dispatcher, classifier,
		cfg.SnapshotLookback(), cfg.Scheduler.SnapshotBatchWorkers)
	engine := campaign.NewEngine(campaigns, accounts, tasks, activities, webhooks,
		cfg.Scheduler.CampaignBatchSize)
	monitor := escalation.NewMonitor(snapshots, escalation.NewRecorder(tasks, escalations),
		dispatcher, time.Duration(cfg.Escalation.WindowDays)*24*time.Hour, cfg.Escalation.Recipient)
	events := reactor.NewReactor(accounts, tasks, activities, dispatcher, rdb)

	// Background scheduler (disabled in API-only deployments)
	var sched *worker.Scheduler
	if cfg.Scheduler.Enabled {
		sched = worker.NewScheduler(db, rdb, runner, engine, monitor, worker.Intervals{
			Snapshot:   cfg.SnapshotInterval(),
			Campaign:   cfg.CampaignInterval(),
			Escalation: cfg.EscalationInterval(),
		})
		if err := sched.Start(); err != nil {
			log.Fatalf("start scheduler: %v", err)
		}
		defer sched.Stop()
	}

	var probe api.WorkerProbe
	if sched != nil {
		probe = sched
	}
	handlers := api.NewHandlers(accounts, snapshots, runner, engine, monitor,
		tasks, escalations, events, probe, classifier, model,
		cfg.SnapshotLookback(), cfg.Webhooks.SigningSecret, cfg.Webhooks.MaxRetries)
	server := api.NewServer(handlers, cfg.Server.AllowedOrigins)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case sig := <-stop:
		log.Printf("received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
