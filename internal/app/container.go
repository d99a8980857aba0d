package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/voice-campaign-dispatch/internal/billing"
	"github.com/acme/voice-campaign-dispatch/internal/config"
	"github.com/acme/voice-campaign-dispatch/internal/dispatch"
	"github.com/acme/voice-campaign-dispatch/internal/infra/db"
	"github.com/acme/voice-campaign-dispatch/internal/infra/redis"
	"github.com/acme/voice-campaign-dispatch/internal/provider"
	providermock "github.com/acme/voice-campaign-dispatch/internal/provider/mock"
	"github.com/acme/voice-campaign-dispatch/internal/queue"
	"github.com/acme/voice-campaign-dispatch/internal/reclaimer"
	"github.com/acme/voice-campaign-dispatch/internal/repository"
	pgrepo "github.com/acme/voice-campaign-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/voice-campaign-dispatch/internal/repository/scylla"
	campaignsvc "github.com/acme/voice-campaign-dispatch/internal/service/campaign"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		services     *services
		engine       *dispatch.Engine
		reclaimer    *reclaimer.Reclaimer
	}
}

type repositories struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Events     repository.CallEventStore
}

type publishers struct {
	Completion *queue.CompletionPublisher
	Status     *queue.StatusPublisher
}

type services struct {
	Campaign *campaignsvc.Service
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Campaigns:  pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Recipients: pgrepo.NewRecipientRepository(c.Postgres.DB()),
			Events:     scyllarepo.NewCallEventStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Completion: queue.NewCompletionPublisher(c.Kafka, cfg.Kafka.CompletionTopic),
			Status:     queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic),
		}

		var gate billing.Gate = billing.AllowAll{}
		if cfg.Billing.Enabled {
			gate = billing.NewRedisGate(c.Redis.Inner())
		}

		flags := dispatch.NewRedisCancelFlag(c.Redis.Inner(), 0)

		var callProvider provider.Provider = providermock.NewProvider(cfg.Provider)

		engine := dispatch.NewEngine(
			repos.Campaigns,
			repos.Recipients,
			repos.Events,
			callProvider,
			gate,
			flags,
			pubs.Status,
			c.Logger,
			cfg.Provider.CallerID,
			cfg.Provider.RequestTimeout,
		)

		sweep := reclaimer.New(
			repos.Campaigns,
			repos.Recipients,
			engine,
			reclaimer.NewRedisLocker(c.Redis.Inner()),
			c.Logger,
			cfg.Dispatch.ReclaimInterval,
			cfg.Dispatch.StuckTimeout,
			cfg.Dispatch.ReclaimLockTTL,
			cfg.Dispatch.CampaignFetchLimit,
		)

		svc := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaigns,
				repos.Recipients,
				engine,
				flags,
				gate,
				pubs.Status,
				c.Logger,
				campaignsvc.Defaults{
					ConcurrencyLimit: cfg.Dispatch.DefaultConcurrency,
					MaxAttempts:      cfg.Dispatch.DefaultMaxAttempts,
					RetryDelay:       cfg.Dispatch.DefaultRetryDelay,
				},
				cfg.Dispatch.ImportChunkSize,
				cfg.Provider.CallerID,
			),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svc
		c.components.engine = engine
		c.components.reclaimer = sweep
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Engine exposes the dispatch engine.
func (c *Container) Engine() *dispatch.Engine {
	c.initComponents()
	return c.components.engine
}

// Reclaimer exposes the reclaim sweeper.
func (c *Container) Reclaimer() *reclaimer.Reclaimer {
	c.initComponents()
	return c.components.reclaimer
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Completion != nil {
			if err := p.Completion.Close(); err != nil {
				errs = append(errs, fmt.Errorf("completion publisher close: %w", err))
			}
		}
		if p.Status != nil {
			if err := p.Status.Close(); err != nil {
				errs = append(errs, fmt.Errorf("status publisher close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CompletionTopic, c.Config.Kafka.StatusTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}
