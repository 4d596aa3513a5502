package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/cartrecovery-backend/internal/broadcast"
	"github.com/unclebandit/cartrecovery-backend/internal/channel"
	"github.com/unclebandit/cartrecovery-backend/internal/config"
	"github.com/unclebandit/cartrecovery-backend/internal/cooldown"
	"github.com/unclebandit/cartrecovery-backend/internal/db"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/plan"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
	"github.com/unclebandit/cartrecovery-backend/internal/storedata"
)

// App is the wired object graph shared by the server and worker executables.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis redis.UniversalClient
	Queue queue.Queue
	Hub   *broadcast.Hub

	Carts         *storedata.Cache
	Campaigns     *service.CampaignService
	Notifications *service.NotificationService

	closers []io.Closer
}

type repos struct {
	campaigns     repository.CampaignRepositoryInterface
	dispatches    repository.DispatchRepositoryInterface
	carts         repository.CartRepositoryInterface
	notifications repository.NotificationRepositoryInterface
}

// Build connects the backing stores chosen by cfg and wires the services on top.
// Close releases everything Build opened, also when Build fails halfway.
func Build(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	r, err := a.openStorage(ctx)
	if err != nil {
		return a, err
	}
	ledger, err := a.openLedger(ctx)
	if err != nil {
		return a, err
	}
	if err := a.openQueue(ctx); err != nil {
		return a, err
	}

	a.Hub = broadcast.NewHub(broadcast.Options{
		DedupWindow:  cfg.DedupWindow,
		ReplayWindow: cfg.RoomReplayWindow,
		IdleTTL:      cfg.SessionIdleTTL,
		SendBuffer:   cfg.HubSendBuffer,
	})
	if err := broadcast.StartRelay(a.Queue, a.Hub); err != nil {
		return a, fmt.Errorf("start relay: %w", err)
	}

	a.Carts = storedata.NewCache(&storedata.RepositoryProvider{Repo: r.carts}, cfg.CartCacheTTL)
	a.Notifications = &service.NotificationService{Repo: r.notifications, Queue: a.Queue}

	automation := make([]model.Channel, 0, len(cfg.AutomationChannels))
	for _, ch := range cfg.AutomationChannels {
		automation = append(automation, model.Channel(ch))
	}
	a.Campaigns = &service.CampaignService{
		CampaignRepo: r.campaigns,
		DispatchRepo: r.dispatches,
		CartRepo:     r.carts,
		Carts:        a.Carts,
		Ledger:       ledger,
		Sender:       NewDispatcher(cfg),
		Plans:        plan.Static{Default: cfg.DefaultPlan, Stores: cfg.StorePlans},
		Notifier:     a.Notifications,
		Concurrency:  cfg.DispatchWorkers,
		Automation: service.AutomationConfig{
			Enabled:    cfg.AutomationEnabled,
			DelayHours: cfg.AutomationDelayHours,
			Channels:   automation,
			Subject:    cfg.AutomationSubject,
			Body:       cfg.AutomationBody,
		},
	}
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (repos, error) {
	switch a.Config.Storage {
	case "memory":
		campaigns := repository.NewMemoryCampaignRepository()
		dispatches := repository.NewMemoryDispatchRepository()
		campaigns.OnDelete = func(id string) { _ = dispatches.DeleteByCampaign(context.Background(), id) }
		logger.WithModule("app").Warn("using in-memory storage; data is lost on restart")
		return repos{
			campaigns:     campaigns,
			dispatches:    dispatches,
			carts:         repository.NewMemoryCartRepository(),
			notifications: repository.NewMemoryNotificationRepository(),
		}, nil
	case "postgres", "":
		conn, err := db.Open(ctx, a.Config.DatabaseURL())
		if err != nil {
			return repos{}, err
		}
		a.DB = conn
		a.closers = append(a.closers, conn)
		if err := db.Migrate(ctx, conn); err != nil {
			return repos{}, err
		}
		return repos{
			campaigns:     &repository.CampaignRepository{DB: conn},
			dispatches:    &repository.DispatchRepository{DB: conn},
			carts:         &repository.CartRepository{DB: conn},
			notifications: &repository.NotificationRepository{DB: conn},
		}, nil
	}
	return repos{}, fmt.Errorf("unknown storage %q", a.Config.Storage)
}

func (a *App) openLedger(ctx context.Context) (cooldown.Ledger, error) {
	cfg := a.Config
	if cfg.RedisAddr == "" {
		return cooldown.NewMemoryLedger(cfg.CooldownWindow), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, rdb)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = rdb
	logger.WithModule("app").WithField("addr", cfg.RedisAddr).Info("cooldown ledger on redis")
	return cooldown.NewRedisLedger(rdb, cfg.CooldownWindow, cfg.CooldownLockTTL), nil
}

func (a *App) openQueue(ctx context.Context) error {
	cfg := a.Config
	if cfg.RabbitMQURL == "" {
		q := queue.NewInMemoryQueue()
		a.Queue = q
		a.closers = append(a.closers, q)
		return nil
	}
	q := queue.NewRabbitMQQueue(cfg.RabbitMQURL, cfg.RabbitMQExchange, queue.TopicNotificationEvents)
	a.closers = append(a.closers, q)
	if err := q.Connect(ctx); err != nil {
		return err
	}
	a.Queue = q
	return nil
}

// NewDispatcher registers a sender per channel: SMTP for email and the messaging gateway
// for sms and whatsapp when configured, the logging sender otherwise.
func NewDispatcher(cfg *config.Config) *channel.Dispatcher {
	d := channel.NewDispatcher(cfg.SendTimeout)
	seed := time.Now().UnixNano()

	if cfg.SMTPHost != "" {
		d.Register(model.ChannelEmail, channel.NewSMTPAdapter(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom))
	} else {
		d.Register(model.ChannelEmail, channel.NewLogAdapter(model.ChannelEmail, cfg.MockSuccessRate, seed))
	}
	for _, ch := range []model.Channel{model.ChannelSMS, model.ChannelWhatsApp} {
		if cfg.GatewayURL != "" {
			d.Register(ch, channel.NewGatewayAdapter(cfg.GatewayURL, cfg.GatewayToken, ch))
		} else {
			d.Register(ch, channel.NewLogAdapter(ch, cfg.MockSuccessRate, seed+int64(len(ch))))
		}
	}
	return d
}

// Close waits for background firings and releases connections in reverse open order.
func (a *App) Close() error {
	if a.Campaigns != nil {
		a.Campaigns.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
