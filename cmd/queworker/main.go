// queworker is the task execution daemon. One instance runs per compute
// node (fast/slow/backup/image queues) or per management host (mgmt queue),
// all coordinating through the shared Redis instance.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/danubecloud/que/core"
	"github.com/danubecloud/que/pkg/logger"
	"github.com/danubecloud/que/que"
	"github.com/danubecloud/que/registry"
	"github.com/danubecloud/que/tasklog"
)

const version = "1.0.0"

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML configuration file")
		queuesFlag  = flag.String("queues", "", "comma-separated queues to consume (overrides config)")
		workerID    = flag.String("id", "", "worker identifier (default: generated)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	log := logger.New("queworker")

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		log.Error("Failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if *queuesFlag != "" {
		cfg.Queues = strings.Split(*queuesFlag, ",")
	}

	if err := run(cfg, *workerID, log); err != nil {
		log.Error("Worker exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *core.Config, workerID string, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := core.NewRedisStore(core.RedisStoreOptions{
		RedisURL:  cfg.Redis.URL,
		Namespace: cfg.Redis.Namespace,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer store.Close()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	durable := tasklog.NewPostgresStore(db, log)
	if err := durable.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("task log schema: %w", err)
	}

	results := que.NewResultStore(store, &que.ResultStoreConfig{
		TTL:    cfg.Tasks.ResultTTL,
		Logger: log,
	})
	reg := registry.New(store, &registry.Config{
		Status: results.Status,
		Logger: log,
	})
	taskLog := tasklog.New(durable, store, &tasklog.Config{
		RecentLimit:  cfg.Log.RecentLimit,
		StaffOwnerID: cfg.Log.StaffOwnerID,
		Logger:       log,
	})

	deps := que.Deps{
		Redis:    store.Client(),
		Store:    store,
		Results:  results,
		Registry: reg,
		TaskLog:  taskLog,
		Notifier: &core.NoOpNotifier{},
	}

	pool, err := que.NewWorkerPool(deps, &que.WorkerConfig{
		ID:                workerID,
		Queues:            cfg.Queues,
		RegistrationGrace: cfg.Tasks.RegistrationGrace,
		ParentWaitTimeout: cfg.Tasks.ParentWaitTimeout,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	// Synchronous node commands share the first queue's addressing.
	cmds := que.NewCommandServer(store.Client(), cfg.Queues[0], log)
	registerCommands(cmds)
	cmds.Start(ctx)

	log.Info("queworker running", map[string]interface{}{
		"version": version,
		"queues":  cfg.Queues,
	})

	<-ctx.Done()
	log.Info("Shutting down, draining in-flight tasks", nil)
	cmds.Stop()
	pool.Stop()
	return nil
}

// registerCommands wires the built-in synchronous node commands.
func registerCommands(s *que.CommandServer) {
	s.Handle(que.CmdVersion, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return map[string]string{"version": version}, nil
	})

	s.Handle(que.CmdExecute, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		cmdline, _ := args["cmd"].(string)
		if cmdline == "" {
			return nil, fmt.Errorf("execute: missing cmd argument")
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
		if stdin, ok := args["stdin"].(string); ok && stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		rc := 0
		if err != nil {
			rc = 1
			if ee, ok := err.(*exec.ExitError); ok {
				rc = ee.ExitCode()
			}
		}
		return map[string]interface{}{
			"returncode": rc,
			"stdout":     stdout.String(),
			"stderr":     stderr.String(),
		}, nil
	})

	s.Handle(que.CmdReadLogs, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		path, _ := args["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("system_read_logs: missing path argument")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]string{"content": string(data)}, nil
	})

	s.Handle(que.CmdUpdate, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("system_update: not supported by this build")
	})
}
