package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/katasec/dstream-sink-mssql/internal/checkpoint"
	"github.com/katasec/dstream-sink-mssql/internal/config"
	"github.com/katasec/dstream-sink-mssql/internal/db"
	"github.com/katasec/dstream-sink-mssql/internal/locking"
	"github.com/katasec/dstream-sink-mssql/internal/logging"
	"github.com/katasec/dstream-sink-mssql/internal/merge"
	"github.com/katasec/dstream-sink-mssql/internal/sink"
	"github.com/katasec/dstream-sink-mssql/internal/stream"
)

var cfgFile = "dsink.hcl"

func main() {
	configPath := flag.String("config", cfgFile, "path to the sink HCL config file")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	logging.SetLogger(logging.NewLogger(*logLevel))
	log := logging.GetLogger()

	if err := run(*configPath); err != nil {
		log.Error("Sink terminated", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log := logging.GetLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Connect(cfg.Sink.DBConnectionString)
	if err != nil {
		return fmt.Errorf("failed to connect to destination: %w", err)
	}
	defer conn.Close()

	table := merge.TableIdent{
		Database: cfg.Sink.DatabaseName,
		Schema:   cfg.Sink.SchemaName,
		Name:     cfg.Sink.TableName,
	}

	schema, err := db.GetTableSchema(conn, table.Schema, table.Name)
	if err != nil {
		return fmt.Errorf("failed to load schema for %s: %w", table, err)
	}
	if len(schema) == 0 {
		return &merge.TableNotFoundError{Table: table}
	}
	if !hasColumn(schema, cfg.Sink.PrimaryKey) {
		return fmt.Errorf("primary key %q is not a column of %s", cfg.Sink.PrimaryKey, table)
	}

	lockerFactory := locking.NewLockerFactory(
		cfg.Lock.Type,
		cfg.Lock.ConnectionString,
		cfg.Lock.ContainerName,
		cfg.Sink.DBConnectionString,
	)
	locker, err := lockerFactory.CreateLocker(table.String())
	if err != nil {
		return fmt.Errorf("failed to create commit locker: %w", err)
	}

	sourceName := fmt.Sprintf("%s/%s", cfg.Kafka.Topic, table.String())
	checkpoints := checkpoint.NewManager(conn, sourceName, cfg.Checkpoint.TableName)
	if err := checkpoints.InitializeCheckpointTable(); err != nil {
		return err
	}

	windowDuration, err := cfg.Batch.GetWindow()
	if err != nil {
		return fmt.Errorf("invalid batch window: %w", err)
	}

	sources := stream.NewSourceFactory(cfg.Kafka.Provider, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.StartingOffsets)
	executor := merge.NewExecutor(conn, table, cfg.Sink.PrimaryKey, schema, locker)
	guard := merge.NewGuard(conn, table)

	runner := sink.NewRunner(sources, guard, executor, checkpoints, schema, cfg.Sink.PrimaryKey, stream.Window{
		Duration:   windowDuration,
		MaxRecords: cfg.Batch.MaxRecords,
	})

	log.Info("Starting CDC sink", "table", table.String(), "topic", cfg.Kafka.Topic, "window", windowDuration)
	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("Sink stopped")
		return nil
	}
	return err
}

func hasColumn(schema []db.Column, name string) bool {
	for _, col := range schema {
		if col.Name == name {
			return true
		}
	}
	return false
}
