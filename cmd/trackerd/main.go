package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"

	"github.com/openshift-cloudigrade/usage-tracker/infrastructure/ratelimit"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/cloud/aws"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/cloud/azure"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/account"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/cloudtype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/domain/instancetype"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/notifier"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/accountops"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/imageregistry"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/ingest"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/inspection"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/instanceregistry"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/queue"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/scheduler"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/typerefresh"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/services/worker"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/storage/postgres"
	"github.com/openshift-cloudigrade/usage-tracker/internal/app/system"
	"github.com/openshift-cloudigrade/usage-tracker/internal/platform/database"
	"github.com/openshift-cloudigrade/usage-tracker/internal/platform/health"
	"github.com/openshift-cloudigrade/usage-tracker/internal/platform/migrations"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/config"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/logger"
	"github.com/openshift-cloudigrade/usage-tracker/pkg/metrics"
)

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	metricsAddr := flag.String("metrics-addr", "", "HTTP listen address for /metrics and /healthz (defaults to config or :8080)")
	flag.Parse()

	cfg := config.New()
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	dsnVal := resolveDSN(*dsn, cfg)
	if dsnVal == "" {
		log.Fatal("a PostgreSQL DSN is required (set --dsn, DATABASE_URL, or config.database.dsn)")
	}

	db, err := database.Open(rootCtx, dsnVal)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if *runMigrations && cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	manager := system.NewManager()

	reconcilerStore := postgres.New(db)
	imageStore := postgres.NewImageStore(db)
	instanceStore := postgres.NewInstanceStore(db)
	images := imageregistry.New(imageStore)
	instances := instanceregistry.New(instanceStore)

	typeCache := instancetype.NewCache()
	typeLookup := dualCloudLookup(typeCache)
	typeSource := func(ctx context.Context) ([]instancetype.Definition, error) {
		return postgres.ListAllDefinitions(ctx, db)
	}
	typeRefresher := typerefresh.New(typeCache, typeSource, 10*time.Minute, log)
	typeCatalogs := map[cloudtype.Type]*postgres.TypeCatalog{
		cloudtype.AWS:   postgres.NewTypeCatalog(db, cloudtype.AWS),
		cloudtype.Azure: postgres.NewTypeCatalog(db, cloudtype.Azure),
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	instanceEventQueue := queue.New(redisClient, queue.Config{
		Stream:        "instance-events",
		ConsumerGroup: "trackerd",
		Consumer:      hostConsumerName(),
		DeadLetter:    "instance-events-dead",
		ReceiveBatch:  cfg.Queue.BatchSize.Receive,
		SendBatch:     cfg.Queue.BatchSize.Send,
	})

	inspectionQueue := queue.New(redisClient, queue.Config{
		Stream:        "inspection-steps",
		ConsumerGroup: "trackerd",
		Consumer:      hostConsumerName(),
		DeadLetter:    "inspection-steps-dead",
		ReceiveBatch:  cfg.Queue.BatchSize.Receive,
		SendBatch:     cfg.Queue.BatchSize.Send,
	})

	dispatcher := &queueDispatcher{q: inspectionQueue}
	orchestrator := inspection.New(images, dispatcher, inspection.Config{MaxAttempts: cfg.Inspection.MaxAttempts})

	eventWorker := worker.New(worker.Config{
		Queue:        instanceEventQueue,
		Store:        reconcilerStore,
		Instances:    instances,
		TypeLookup:   typeLookup,
		Orchestrator: orchestrator,
		Logger:       log,
	})

	healthCollector := health.NewCollector(30*time.Second, "/")

	if err := manager.Register(healthCollector); err != nil {
		log.Fatalf("register health collector: %v", err)
	}
	if err := manager.Register(typeRefresher); err != nil {
		log.Fatalf("register instance type refresher: %v", err)
	}
	if err := manager.Register(eventWorker); err != nil {
		log.Fatalf("register queue worker: %v", err)
	}

	notify := notifier.New(cfg.Notifier.URL, ratelimit.DefaultConfig())

	accountStore := postgres.NewAccountStore(db)
	awsAdapter := aws.New(aws.DefaultClientFactory(rootCtx, cfg.AWS.Region), "usage-tracker", cfg.AWS.AuditBucket)
	azureAdapter := azure.New(azure.DefaultVMClientFactory(cfg.Azure.TenantID, cfg.Azure.ClientID, cfg.Azure.ClientSecret))
	lifecycle := accountops.New(accountStore, cloudOpsResolver(awsAdapter, azureAdapter), notify)

	loc, err := time.LoadLocation(cfg.Timezone.Default)
	if err != nil {
		loc = time.UTC
	}
	sched, err := scheduler.New(scheduler.Config{
		Accounts:      accountStore,
		AzureDescribe: azureAdapter,
		EventQueue:    instanceEventQueue,
		RollupStore:   reconcilerStore,
		Location:      loc,
		Logger:        log,
	})
	if err != nil {
		log.Fatalf("build scheduler: %v", err)
	}
	if err := manager.Register(sched); err != nil {
		log.Fatalf("register scheduler: %v", err)
	}

	if cfg.AWS.AuditQueueURL != "" {
		ownAWSCfg, err := awsconfig.LoadDefaultConfig(rootCtx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			log.Fatalf("load aws config for audit ingest: %v", err)
		}
		auditFetcher := aws.NewAuditFetcher(s3.NewFromConfig(ownAWSCfg), sqs.NewFromConfig(ownAWSCfg))
		auditPoller := ingest.New(ingest.Config{
			Fetcher:  auditFetcher,
			QueueURL: cfg.AWS.AuditQueueURL,
			EventQueue: instanceEventQueue,
			Images:   images,
			Accounts: func(ctx context.Context, cloudAccountID string) (account.Account, bool, error) {
				return accountStore.FindByCloudID(ctx, cloudtype.AWS, cloudAccountID)
			},
			Describe:    awsAdapter,
			TrackedTags: cfg.Classification.OpenShiftTags,
			Logger:      log,
		})
		if err := manager.Register(auditPoller); err != nil {
			log.Fatalf("register audit ingest poller: %v", err)
		}
	}

	if err := manager.Start(rootCtx); err != nil {
		log.Fatalf("start services: %v", err)
	}

	addr := determineMetricsAddr(*metricsAddr, cfg)
	httpSrv := startMetricsServer(addr, healthCollector, lifecycle, typeCatalogs)
	log.Infof("usage-tracker listening on %s", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// queueDispatcher implements inspection.Dispatcher by enqueueing a
// KindInspection envelope; the queue worker carries out the actual
// cloud-side step.
type queueDispatcher struct {
	q *queue.Queue
}

func (d *queueDispatcher) Enqueue(ctx context.Context, imageID string, step inspection.Step) error {
	return d.q.Send(ctx, imageID, queue.KindInspection, worker.InspectionStepPayload{
		ImageID: imageID,
		Step:    step,
	})
}

// dualCloudLookup resolves an instance type against the shared cache without
// regard to cloud: AWS and Azure instance-type name spaces don't collide in
// practice, and instance events never carry their own cloud_type, so a
// single reconciler.TypeLookup tries AWS first, then Azure.
func dualCloudLookup(cache *instancetype.Cache) func(instanceType string) (int, int, bool) {
	awsLookup := cache.LookupFunc(cloudtype.AWS)
	azureLookup := cache.LookupFunc(cloudtype.Azure)
	return func(instanceType string) (int, int, bool) {
		if vcpu, mem, ok := awsLookup(instanceType); ok {
			return vcpu, mem, true
		}
		return azureLookup(instanceType)
	}
}

func hostConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "trackerd"
	}
	return host
}

func determineMetricsAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

// startMetricsServer serves /metrics (Prometheus), /healthz (the latest
// health.Snapshot as JSON), the account lifecycle admin routes, and the
// instance-type seed route on addr. It does not block; callers Shutdown it
// during graceful shutdown.
func startMetricsServer(addr string, healthCollector *health.Collector, lifecycle *accountops.Service, typeCatalogs map[cloudtype.Type]*postgres.TypeCatalog) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := healthCollector.Latest()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/accounts/enable", lifecycleHandler(lifecycle.Enable))
	mux.HandleFunc("/accounts/disable", lifecycleHandler(lifecycle.Disable))
	mux.HandleFunc("/accounts/onboard", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var acct account.Account
		if err := json.NewDecoder(r.Body).Decode(&acct); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created, err := lifecycle.Onboard(r.Context(), acct)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(created)
	})
	mux.HandleFunc("/admin/instance-types", instanceTypeSeedHandler(typeCatalogs))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	return srv
}

// lifecycleHandler adapts an accountops enable/disable call, each of which
// takes the full account row, to a POST {"account": {...}} admin route.
func lifecycleHandler(fn func(ctx context.Context, acct account.Account) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Account account.Account `json:"account"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fn(r.Context(), body.Account); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// instanceTypeSeedHandler upserts one (cloud_type, instance_type) shape,
// the sync path that keeps instance_type_definitions current from each
// provider's published instance catalog (spec §5). The typerefresh job
// picks up the change on its next tick.
func instanceTypeSeedHandler(catalogs map[cloudtype.Type]*postgres.TypeCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			CloudType    cloudtype.Type `json:"cloud_type"`
			InstanceType string         `json:"instance_type"`
			VCPU         int            `json:"vcpu"`
			MemoryMiB    int            `json:"memory_mib"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		catalog, ok := catalogs[body.CloudType]
		if !ok {
			http.Error(w, fmt.Sprintf("unknown cloud_type %q", body.CloudType), http.StatusBadRequest)
			return
		}
		if err := catalog.Upsert(r.Context(), body.InstanceType, body.VCPU, body.MemoryMiB); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// cloudOpsResolver builds an accountops.OpsByCloud from the two concrete
// cloud adapters constructed at startup.
func cloudOpsResolver(awsAdapter account.CloudAccountOps, azureAdapter account.CloudAccountOps) accountops.OpsByCloud {
	return func(cloudType cloudtype.Type) (account.CloudAccountOps, error) {
		switch cloudType {
		case cloudtype.AWS:
			return awsAdapter, nil
		case cloudtype.Azure:
			return azureAdapter, nil
		default:
			return nil, fmt.Errorf("cmd/trackerd: no cloud adapter for %s", cloudType)
		}
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}
