package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/idempotency"
	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/llm"
	openai "jobmatch-backend/internal/llm/openai"
	"jobmatch-backend/internal/lock"
	"jobmatch-backend/internal/pipeline"
	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/retrieval"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/services/health"
	"jobmatch-backend/internal/shared/config"
	"jobmatch-backend/internal/shared/server"
	"jobmatch-backend/internal/shared/storage/db"
	"jobmatch-backend/internal/shared/storage/object"
	localstore "jobmatch-backend/internal/shared/storage/object/local"
	s3store "jobmatch-backend/internal/shared/storage/object/s3"
	"jobmatch-backend/internal/shared/telemetry"
	"jobmatch-backend/internal/uploads"
)

const serviceName = "jobmatch-backend"

// App holds shared dependencies for every binary.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Redis  redis.UniversalClient
	Store  object.ObjectStore

	Repo     services.Repo
	Ledger   *ledger.Service
	Locker   lock.Locker
	Guard    idempotency.Guard
	Events   events.Channel
	Producer queue.Producer
	// MemoryQueue is set when tasks stay in process; cmd/api drains it inline.
	MemoryQueue *queue.MemoryQueue
	AMQP        *queue.AMQPConnection
	Model       llm.Executor

	Executor   *pipeline.Executor
	Launcher   *pipeline.Launcher
	Reconciler *pipeline.Reconciler
	Handler    *pipeline.Handler
	Health     *health.Service

	closers []func(context.Context) error
}

// Build prepares shared dependencies and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	app := &App{Config: cfg}
	app.closers = append(app.closers, telemetry.InitTracing(ctx, serviceName, cfg.OTelExporter))

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = sqlDB
	if sqlDB != nil && !db.IsLambdaRuntime() {
		app.closers = append(app.closers, func(context.Context) error { return sqlDB.Close() })
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = store

	if err := buildRedis(ctx, app); err != nil {
		return nil, err
	}
	if err := buildQueue(ctx, app); err != nil {
		return nil, err
	}
	if err := buildModel(app); err != nil {
		return nil, err
	}
	buildPipeline(app)

	app.Health = health.NewService(app.healthChecks()...)
	app.Router = server.NewRouter(server.RouterDeps{
		Config:   app.Config,
		Services: app.Handler,
		Uploads:  uploads.NewHandler(app.Store),
		Health:   app.Health,
	})
	return app, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	telemetry.Sync()
	return errors.Join(errs...)
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	switch {
	case db.IsLambdaRuntime():
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultLambdaOptions()))
	case cfg.Role == config.RoleWorker:
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultWorkerOptions(cfg.WorkerConcurrency)))
	default:
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}
	db.RegisterPoolMetrics(sqlDB, serviceName)
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		store, err := s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

// buildRedis picks the coordination backends. Without REDIS_ADDR the lock,
// idempotency guard and event channel only work inside one process.
func buildRedis(ctx context.Context, app *App) error {
	cfg := app.Config
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		if !isDevLike(cfg.Env) {
			return fmt.Errorf("REDIS_ADDR is required outside dev")
		}
		log.Printf("bootstrap: REDIS_ADDR empty; using in-process lock, guard and events")
		app.Locker = lock.NewMemoryLocker()
		app.Guard = idempotency.NewMemoryGuard()
		app.Events = events.NewMemoryChannel(cfg.EventHistorySize)
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	app.Redis = rdb
	app.closers = append(app.closers, func(context.Context) error { return rdb.Close() })
	app.Locker = lock.NewRedisLocker(rdb)
	app.Guard = idempotency.NewRedisGuard(rdb)
	app.Events = events.NewRedisChannel(rdb, cfg.EventHistorySize, cfg.EventTTL)
	return nil
}

func buildQueue(ctx context.Context, app *App) error {
	cfg := app.Config
	backend := cfg.QueueBackend
	if backend == "" {
		backend = "sqs"
		if strings.TrimSpace(cfg.SQSQueueURL) == "" {
			backend = "memory"
		}
	}

	switch backend {
	case "sqs":
		client, err := queue.NewSQSClient(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
		if err != nil {
			return err
		}
		app.Producer = client
	case "asynq":
		client, err := queue.NewAsynqClient(cfg.AsynqRedisAddr, cfg.AsynqQueue)
		if err != nil {
			return err
		}
		app.Producer = client
		app.closers = append(app.closers, func(context.Context) error { return client.Close() })
	case "rabbitmq":
		conn, err := queue.DialAMQP(cfg.AMQPURL)
		if err != nil {
			return err
		}
		if err := queue.SetupTopology(conn); err != nil {
			_ = conn.Close()
			return err
		}
		app.AMQP = conn
		app.Producer = queue.NewAMQPPublisher(conn)
		app.closers = append(app.closers, func(context.Context) error { return conn.Close() })
	default:
		if !isDevLike(cfg.Env) {
			return fmt.Errorf("QUEUE_BACKEND=%q is not allowed outside dev", backend)
		}
		log.Printf("bootstrap: using in-process task queue")
		mem := queue.NewMemoryQueue()
		app.MemoryQueue = mem
		app.Producer = mem
	}
	return nil
}

func buildModel(app *App) error {
	cfg := app.Config
	if cfg.LLMProvider != "openai" || strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		if !isDevLike(cfg.Env) {
			return fmt.Errorf("LLM_PROVIDER=openai with OPENAI_API_KEY is required outside dev")
		}
		log.Printf("bootstrap: no model provider configured; every stage will fail with LLM_ERROR")
		app.Model = llm.PlaceholderExecutor{}
		return nil
	}
	client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMVisionModel)
	if err != nil {
		return err
	}
	app.Model = llm.NewRetryingExecutor(client)
	return nil
}

func buildPipeline(app *App) {
	cfg := app.Config
	if app.DB != nil {
		app.Repo = &services.PGRepo{DB: app.DB}
		app.Ledger = ledger.NewPostgresService(ledger.NewPGStore(app.DB, cfg.QuotaLimit))
	} else {
		app.Repo = services.NewMemoryRepo()
		app.Ledger = ledger.NewService(cfg.QuotaLimit)
	}

	var retriever retrieval.Retriever = retrieval.Noop{}
	if app.Redis != nil {
		retriever = retrieval.NewCached(retriever, app.Redis, 0)
	}

	deps := &pipeline.Deps{
		Repo:      app.Repo,
		Billing:   app.Ledger,
		Locker:    app.Locker,
		Producer:  app.Producer,
		Events:    app.Events,
		Retriever: retriever,
		Store:     app.Store,
		LockTTL:   cfg.LockTTL,
	}
	app.Executor = pipeline.NewExecutor(deps, app.Model)
	app.Launcher = &pipeline.Launcher{
		Repo:     app.Repo,
		Ledger:   app.Ledger,
		Producer: app.Producer,
		Events:   app.Events,
		Guard:    app.Guard,
		Prices:   cfg.Prices,
		IdemTTL:  cfg.IdempotencyTTL,
	}
	app.Reconciler = &pipeline.Reconciler{
		Repo:   app.Repo,
		Ledger: app.Ledger,
		After:  cfg.ReconcileAfter,
	}
	app.Handler = pipeline.NewHandler(app.Launcher, app.Repo, app.Events)
}

func (a *App) healthChecks() []health.Check {
	var checks []health.Check
	if a.DB != nil {
		checks = append(checks, health.Check{Name: "db", Ping: a.DB.PingContext})
	}
	if a.Redis != nil {
		checks = append(checks, health.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	if a.AMQP != nil {
		checks = append(checks, health.Check{Name: "amqp", Ping: a.AMQP.Ping})
	}
	return checks
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
