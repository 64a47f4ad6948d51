package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/natemoovs/zerochurn/internal/campaign"
	"github.com/natemoovs/zerochurn/internal/config"
	"github.com/natemoovs/zerochurn/internal/escalation"
	"github.com/natemoovs/zerochurn/internal/health"
	"github.com/natemoovs/zerochurn/internal/notify"
	"github.com/natemoovs/zerochurn/internal/repository/postgres"
	"github.com/natemoovs/zerochurn/internal/snapshot"
	"github.com/natemoovs/zerochurn/internal/worker"
)

// The worker binary runs only the background loops. Deploy it alongside
// API-only server instances when the two need to scale independently.
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

	accounts := postgres.NewAccountRepo(db)
	snapshots := postgres.NewSnapshotRepo(db)
	tasks := postgres.NewTaskRepo(db)
	campaigns := postgres.NewCampaignRepo(db)
	escalations := postgres.NewEscalationRepo(db)
	activities := postgres.NewActivityRepo(db)

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

	classifier := health.NewClassifier(health.Thresholds{
		InactivityDays:     cfg.Health.InactivityDays,
		LowUsageTrips:      cfg.Health.LowUsageTrips,
		FailedPaymentLimit: cfg.Health.FailedPaymentLimit,
		MinPaymentSuccess:  cfg.Health.MinPaymentSuccess,
		TicketSurgeLimit:   cfg.Health.TicketSurgeLimit,
	})

	runner := snapshot.NewRunner(accounts, snapshots, tasks, dispatcher, classifier,
		cfg.SnapshotLookback(), cfg.Scheduler.SnapshotBatchWorkers)
	engine := campaign.NewEngine(campaigns, accounts, tasks, activities, webhooks,
		cfg.Scheduler.CampaignBatchSize)
	monitor := escalation.NewMonitor(snapshots, escalation.NewRecorder(tasks, escalations),
		dispatcher, time.Duration(cfg.Escalation.WindowDays)*24*time.Hour, cfg.Escalation.Recipient)

	sched := worker.NewScheduler(db, rdb, runner, engine, monitor, worker.Intervals{
		Snapshot:   cfg.SnapshotInterval(),
		Campaign:   cfg.CampaignInterval(),
		Escalation: cfg.EscalationInterval(),
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Printf("received %v, shutting down", sig)
	sched.Stop()
}
