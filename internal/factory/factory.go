package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"email-auth-service/internal/audit"
	"email-auth-service/internal/bucketing"
	"email-auth-service/internal/client"
	"email-auth-service/internal/config"
	"email-auth-service/internal/encryption"
	"email-auth-service/internal/handler"
	"email-auth-service/internal/hashing"
	"email-auth-service/internal/metrics"
	"email-auth-service/internal/notify"
	"email-auth-service/internal/oauth"
	"email-auth-service/internal/otp"
	"email-auth-service/internal/repository"
	"email-auth-service/internal/repository/memory"
	"email-auth-service/internal/repository/postgres"
	cache "email-auth-service/internal/repository/redis"
	"email-auth-service/internal/repository/scylla"
	"email-auth-service/internal/service"
	"email-auth-service/internal/tls"
	"email-auth-service/internal/token"
	"email-auth-service/internal/util"
)

const otpPurgeInterval = 15 * time.Minute

// expiredPurger is implemented by OTP stores that need expired rows removed.
type expiredPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	store repository.Store

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	rateLimiter *cache.RateLimitCache
	throttle    *cache.OTPSendThrottle
	dispatcher  *audit.Dispatcher
	authService *service.AuthService
	providers   *oauth.Registry

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewFactory loads configuration and builds every dependency.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(ctx, cfg)
}

// New builds the dependency graph for cfg.
func New(ctx context.Context, cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg.Server)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := f.initializeManagers(initCtx); err != nil {
		return nil, err
	}
	if err := f.initializeStore(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := f.initializeClients(initCtx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeServices(initCtx); err != nil {
		f.Close()
		return nil, err
	}
	f.startOTPJanitor()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("database", cfg.Database.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_enabled", f.redisClient != nil),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Strings("audit_sinks", f.dispatcher.Sinks()),
	)
	return f, nil
}

// initializeManagers builds hashing, encryption and bucketing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("failed to initialize hasher: %w", err)
	}
	f.hasher = hasher
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		c, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			if f.config.IsProduction() {
				return fmt.Errorf("failed to initialize kms: %w", err)
			}
			util.Warn("KMS unavailable, using local data keys", util.ErrorField(err))
		} else {
			kmsClient = c
		}
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config.KMS, kmsClient)

	util.Info("Managers initialized successfully",
		util.Int("account_buckets", f.bucketingManager.AccountBuckets()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

func (f *Factory) initializeStore(ctx context.Context) error {
	switch f.config.Database.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, f.config.Database)
		if err != nil {
			return err
		}
		f.store = store
	case "scylla":
		sc, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return err
		}
		if err := sc.EnsureSchema(ctx); err != nil {
			sc.Close()
			return fmt.Errorf("scylla schema: %w", err)
		}
		f.store = scylla.NewStore(sc, f.bucketingManager)
	case "memory", "":
		if f.config.IsProduction() {
			return errors.New("memory store is not allowed in production")
		}
		util.Warn("Using in-memory store - data is lost on restart")
		f.store = memory.NewStore()
	default:
		return fmt.Errorf("unknown database driver %q", f.config.Database.Driver)
	}

	if err := f.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	util.Info("Store initialized and healthy", util.String("driver", f.config.Database.Driver))
	return nil
}

// initializeClients connects the optional backends. Outside production a
// failing backend is logged and left out.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	if f.config.Redis.Enabled {
		if rc, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := rc.HealthCheck(ctx); err != nil {
			_ = rc.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = rc
			metrics.RegisterRedisPool(rc.PoolStats)
			util.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := es.HealthCheck(ctx); err != nil {
			es.Close()
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := ch.HealthCheck(ctx); err != nil {
			_ = ch.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeServices wires audit sinks, notification and the orchestrator.
func (f *Factory) initializeServices(ctx context.Context) error {
	sinks := []audit.Sink{audit.NewActivitySink(f.store.Activity())}
	if f.esClient != nil {
		sink, err := audit.NewElasticSink(ctx, f.esClient, f.config.Elasticsearch.Index)
		if err != nil {
			util.Warn("Elasticsearch audit sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if f.clickhouseClient != nil {
		table := f.config.Clickhouse.Database + "." + f.config.Clickhouse.Table
		sink, err := audit.NewClickHouseSink(ctx, f.clickhouseClient, table)
		if err != nil {
			util.Warn("ClickHouse audit sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	if f.kafkaProducer != nil && f.config.Kafka.EventsTopic != "" {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.EventsTopic))
	}
	f.dispatcher = audit.NewDispatcher(f.bucketingManager, sinks...)

	var producer notify.Producer
	if f.kafkaProducer != nil {
		producer = f.kafkaProducer
	}
	notifier, err := notify.New(f.config, producer)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}

	issuer, err := token.NewIssuer(f.config.JWT)
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	var throttle service.SendThrottle
	if f.redisClient != nil {
		f.rateLimiter = cache.NewRateLimitCache(f.redisClient)
		f.throttle = cache.NewOTPSendThrottle(f.redisClient, f.config.OTP.SendLimit, f.config.OTP.SendWindow)
		throttle = f.throttle
	}

	f.authService = service.NewAuthService(service.Dependencies{
		Accounts:  service.NewAccountManager(f.store.Accounts()),
		OTP:       otp.NewEngine(f.store.OTPs(), f.hasher, f.config.OTP),
		Tokens:    issuer,
		Passwords: f.hasher,
		Notifier:  notifier,
		Throttle:  throttle,
		Audit:     f.dispatcher,
		Encryptor: f.encryptionManager,
	})
	f.providers = oauth.NewRegistry(f.config.OAuth)
	return nil
}

// startOTPJanitor removes expired codes from stores without native TTLs.
func (f *Factory) startOTPJanitor() {
	purger, ok := f.store.OTPs().(expiredPurger)
	if !ok {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(otpPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-f.closed:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				n, err := purger.DeleteExpired(ctx, time.Now().UTC())
				cancel()
				if err != nil {
					util.Warn("OTP purge failed", util.ErrorField(err))
				} else if n > 0 {
					util.Debug("Expired OTP codes purged", util.Int64("count", n))
				}
			}
		}
	}()
}

// HealthCheck pings the store and every connected backend concurrently.
func (f *Factory) HealthCheck(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	check := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	check("store", f.store.HealthCheck)
	if f.redisClient != nil {
		check("redis", f.redisClient.HealthCheck)
	}
	if f.esClient != nil {
		check("elasticsearch", f.esClient.HealthCheck)
	}
	if f.clickhouseClient != nil {
		check("clickhouse", f.clickhouseClient.HealthCheck)
	}
	return g.Wait()
}

// Close stops background work and releases clients in reverse order of
// construction. It is safe to call more than once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")
		f.wg.Wait()

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close store", util.ErrorField(err))
			} else {
				util.Info("Store closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) AuthService() *service.AuthService {
	return f.authService
}

func (f *Factory) Providers() *oauth.Registry {
	return f.providers
}

// RateLimiter is nil when redis is not configured.
func (f *Factory) RateLimiter() *cache.RateLimitCache {
	return f.rateLimiter
}

func (f *Factory) Store() repository.Store {
	return f.store
}

// Router builds the HTTP handler over the wired services.
func (f *Factory) Router() http.Handler {
	deps := handler.RouterDeps{
		Config:    f.config,
		Service:   f.authService,
		Providers: f.providers,
		Health:    f,
		Logger:    util.Get(),
	}
	if f.rateLimiter != nil {
		deps.Limiter = f.rateLimiter
	} else {
		util.Warn("Rate limiting disabled - redis is not configured")
	}
	return handler.NewRouter(deps)
}
