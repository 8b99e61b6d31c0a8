// Package cli provides the command-line entry point for a ParqueDB
// coordinator/shard process: configuration loading, service wiring, HTTP
// route registration, and graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/parquedb/parquedb/api"
	"github.com/parquedb/parquedb/common"
	"github.com/parquedb/parquedb/compaction"
	"github.com/parquedb/parquedb/config"
	"github.com/parquedb/parquedb/db"
	parquehttp "github.com/parquedb/parquedb/http"
	"github.com/parquedb/parquedb/objectstore"
	redisqueue "github.com/parquedb/parquedb/queue/redis"
	"github.com/parquedb/parquedb/shard"
	"github.com/parquedb/parquedb/workflow"
)

var cfgFile string

// RootCmd is the top-level command: it starts one process hosting every
// configured namespace's shard engine plus the compaction and MV refresh
// coordinators, all behind a single Echo server.
var RootCmd = &cobra.Command{
	Use:   "parquedb",
	Short: "runs a ParqueDB shard/coordinator node",
	Long: `ParqueDB

An event-sourced, namespace-sharded entity store backed by Parquet files in
an object store, with streaming materialized views and background
compaction/refresh workflows.

This command hosts:
  - a shard engine per configured namespace
  - a compaction coordinator per namespace
  - a shared MV refresh coordinator and streaming MV engine
  - a workflow runner dispatching compaction/refresh jobs over Redis,
    tracked durably in Postgres

Configuration can be provided via command-line flags, environment
variables, or a YAML configuration file.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.parquedb.yaml)")

	RootCmd.PersistentFlags().String("port", "8080", "HTTP server port")
	RootCmd.PersistentFlags().String("namespaces", "", "comma-separated namespace list to host")
	RootCmd.PersistentFlags().String("data-dir", "./data", "directory for per-namespace shard storage")
	RootCmd.PersistentFlags().String("shard-config", "", "YAML file overriding shard engine tunables (bulkThreshold, walBatchSize, multipartTTL)")

	RootCmd.PersistentFlags().String("s3-bucket", "", "object store bucket (empty uses an in-memory mock store)")
	RootCmd.PersistentFlags().String("s3-region", "us-east-1", "object store region")
	RootCmd.PersistentFlags().String("s3-endpoint", "", "object store endpoint, for S3-compatible services")

	RootCmd.PersistentFlags().String("redis-url", "redis://localhost:6379/0", "Redis URL for the workflow job queue")
	RootCmd.PersistentFlags().String("postgres-url", "", "Postgres connection string for workflow phase tracking")

	RootCmd.PersistentFlags().String("rabbitmq-url", "", "RabbitMQ URL for arrival notifications (empty disables the consumer)")
	RootCmd.PersistentFlags().String("queue-name", "parquedb-arrivals", "RabbitMQ queue name for arrival notifications")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("namespaces", RootCmd.PersistentFlags().Lookup("namespaces"))
	viper.BindPFlag("data_dir", RootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("shard_config", RootCmd.PersistentFlags().Lookup("shard-config"))
	viper.BindPFlag("s3.bucket", RootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3.region", RootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3.endpoint", RootCmd.PersistentFlags().Lookup("s3-endpoint"))
	viper.BindPFlag("redis.url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("postgres.url", RootCmd.PersistentFlags().Lookup("postgres-url"))
	viper.BindPFlag("rabbitmq.url", RootCmd.PersistentFlags().Lookup("rabbitmq-url"))
	viper.BindPFlag("rabbitmq.queue_name", RootCmd.PersistentFlags().Lookup("queue-name"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".parquedb")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func runServer(cmd *cobra.Command, args []string) {
	svcCfg := config.LoadServiceConfig("PARQUEDB")
	corsCfg := config.LoadCORSConfig("PARQUEDB_CORS")
	serverCfg := config.LoadServerConfig("PARQUEDB")

	httpLogger := common.ServiceLogger(svcCfg.Name, svcCfg.Version)
	logger := logrus.NewEntry(logrus.StandardLogger()).WithField("service", svcCfg.Name)
	if level, err := logrus.ParseLevel(svcCfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	namespaces := splitAndTrim(viper.GetString("namespaces"))

	validator := config.NewValidator()
	validator.RequirePositiveInt("namespaces", len(namespaces))
	validator.RequireString("data-dir", viper.GetString("data_dir"))
	validator.RequireString("redis-url", viper.GetString("redis.url"))
	if err := validator.Validate(); err != nil {
		log.Fatal(err)
	}

	store, err := buildObjectStore(logger)
	if err != nil {
		log.Fatalf("failed to initialize object store: %v", err)
	}

	queueClient, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{
		RedisURL:  viper.GetString("redis.url"),
		KeyPrefix: "parquedb:",
	})
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer queueClient.Close()

	states, closeStates, err := buildStateStore(logger)
	if err != nil {
		log.Fatalf("failed to initialize workflow state store: %v", err)
	}
	if closeStates != nil {
		defer closeStates()
	}

	// app is captured by the runner's execute/completion callbacks before it
	// is assigned; both callbacks only fire asynchronously once the worker
	// pool starts pulling jobs, by which point NewApp below has completed.
	var app *api.App
	runner := workflow.NewRunner(queueClient, states, func(ctx context.Context, job workflow.Job) error {
		return app.ExecuteJob(ctx, job)
	}, func(job workflow.Job, success bool) {
		app.WorkflowComplete(job, success)
	}, workflow.DefaultPoolConfig(), logger)
	runner.Start()
	defer runner.Stop()

	shardCfg, err := loadShardConfig(viper.GetString("shard_config"))
	if err != nil {
		log.Fatalf("failed to load shard config: %v", err)
	}

	app, err = api.NewApp(api.Config{
		Namespaces:   namespaces,
		ShardDataDir: viper.GetString("data_dir"),
		ShardConfig:  shardCfg,
		Window:       defaultWindowConfig(),
		MVDebounceMs: 60_000,
		MVMaxWaitMs:  300_000,
	}, store, runner, logger)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	defer app.Close()

	if rabbitURL := viper.GetString("rabbitmq.url"); rabbitURL != "" {
		if err := app.AttachConsumer(rabbitURL, viper.GetString("rabbitmq.queue_name")); err != nil {
			log.Fatalf("failed to attach arrival consumer: %v", err)
		}
		defer app.StopConsumer()
	}

	cfg := parquehttp.DefaultRunServerConfig(svcCfg.Name, "ParqueDB", svcCfg.Version)
	cfg.Port = parquehttp.GetPortInt(viper.GetString("port"), cfg.Port)
	cfg.Logger = httpLogger
	cfg.AllowedOrigins = corsCfg.AllowedOrigins
	cfg.Debug = svcCfg.Environment == "development"
	cfg.ReadTimeout = serverCfg.ReadTimeout
	cfg.WriteTimeout = serverCfg.WriteTimeout
	cfg.ShutdownTimeout = serverCfg.ShutdownTimeout
	cfg.HealthDetails = func() map[string]interface{} {
		return map[string]interface{}{
			"namespaces": namespaces,
		}
	}

	if err := parquehttp.RunServer(cfg, func(e *echo.Echo) error {
		app.Routes(e)
		return nil
	}); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func buildObjectStore(logger *logrus.Entry) (objectstore.Store, error) {
	bucket := viper.GetString("s3.bucket")
	if bucket == "" {
		logger.Warn("no s3 bucket configured, using in-memory mock object store")
		return objectstore.NewMockStore(), nil
	}

	return objectstore.NewS3Store(context.Background(), objectstore.S3Config{
		Bucket:   bucket,
		Region:   viper.GetString("s3.region"),
		Endpoint: viper.GetString("s3.endpoint"),
	}, logger)
}

// buildStateStore returns a workflow.StateStore backed by Postgres and a
// cleanup func to close the pool. The connection string is taken from
// --postgres-url when set, else from PARQUEDB_DB_URL / its built-in
// localhost default (config.LoadDatabaseConfig). A connection failure is
// fatal when the caller explicitly set --postgres-url; otherwise it is
// treated as "no Postgres available" and the runner falls back to an
// in-memory store so the server can still run standalone for local
// development.
func buildStateStore(logger *logrus.Entry) (workflow.StateStore, func(), error) {
	explicit := viper.GetString("postgres.url")
	connString := explicit
	if connString == "" {
		connString = config.LoadDatabaseConfig("PARQUEDB_DB").URL
	}

	pg, err := db.NewPostgresDB(connString)
	if err != nil {
		if explicit != "" {
			return nil, nil, fmt.Errorf("failed to connect to postgres at %s: %w", explicit, err)
		}
		logger.WithError(err).Warn("no postgres reachable, workflow phase tracking will not persist across restarts")
		return workflow.NewInMemoryStateStore(), nil, nil
	}

	store := workflow.NewPostgresStateStore(db.NewStateStore(pg.Pool(), "parquedb_workflow_events"))
	return store, pg.Close, nil
}

// shardConfigOverride mirrors shard.Config with YAML tags; zero-valued
// fields in the file are left at shard.DefaultConfig's values so an
// operator only needs to name the tunables they want to change.
type shardConfigOverride struct {
	BulkThreshold int    `yaml:"bulkThreshold"`
	WALBatchSize  int    `yaml:"walBatchSize"`
	MultipartTTL  string `yaml:"multipartTTL"`
}

// loadShardConfig reads shard engine tunables from a YAML file, falling
// back to shard.DefaultConfig when path is empty.
func loadShardConfig(path string) (shard.Config, error) {
	cfg := shard.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return shard.Config{}, fmt.Errorf("reading shard config %s: %w", path, err)
	}

	var override shardConfigOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return shard.Config{}, fmt.Errorf("parsing shard config %s: %w", path, err)
	}

	if override.BulkThreshold > 0 {
		cfg.BulkThreshold = override.BulkThreshold
	}
	if override.WALBatchSize > 0 {
		cfg.WALBatchSize = override.WALBatchSize
	}
	if override.MultipartTTL != "" {
		ttl, err := time.ParseDuration(override.MultipartTTL)
		if err != nil {
			return shard.Config{}, fmt.Errorf("parsing shard config %s: multipartTTL: %w", path, err)
		}
		cfg.MultipartTTL = ttl
	}

	return cfg, nil
}

func defaultWindowConfig() compaction.WindowConfig {
	return compaction.WindowConfig{
		WindowSizeMs:      5 * 60 * 1000,
		MaxWaitTimeMs:     2 * 60 * 1000,
		MinFilesToCompact: 10,
		TargetFormat:      "native",
	}
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

