package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	sqliteadapter "kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/app"
	"kube-inspector/internal/services/report"
	"kube-inspector/internal/services/webapp"

	_ "modernc.org/sqlite"
)

// 服务端入口。所有子命令错误统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run 是一级命令路由：serve / migrate / seed / report。
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// runServe 启动巡检服务端（API + 调度器 + Agent 协议端点）。
func runServe(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	configDir := fs.String("config-dir", cfg.ConfigDir, "kubeconfig storage directory")
	reportDir := fs.String("report-dir", cfg.ReportDir, "pdf report output directory")
	listen := fs.String("listen", cfg.ListenAddr, "listen address")
	workers := fs.Int("workers", cfg.Workers, "concurrent inspection workers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return webapp.Run(sigCtx, webapp.Options{
		DBPath:     *dbPath,
		ConfigDir:  *configDir,
		ReportDir:  *reportDir,
		ListenAddr: *listen,
		Workers:    *workers,
	})
}

// runMigrate 执行 SQLite 迁移，确保数据库结构完整。
func runMigrate(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := sqliteadapter.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	fmt.Printf("migrations applied successfully: db=%s\n", *dbPath)
	return nil
}

// runSeed 写入默认巡检项（幂等，可重复执行）。
func runSeed(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := sqliteadapter.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := webapp.SeedDefaultItems(ctx, sqliteadapter.NewStore(db)); err != nil {
		return err
	}

	fmt.Printf("default inspection items seeded: db=%s\n", *dbPath)
	return nil
}

// runReport 为已结束的运行离线生成 PDF 报告。
func runReport(ctx context.Context, args []string) error {
	cfg := app.DefaultConfig()

	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	dbPath := fs.String("db", cfg.DBPath, "sqlite database path")
	reportDir := fs.String("report-dir", cfg.ReportDir, "pdf report output directory")
	runID := fs.Int64("run-id", 0, "inspection run id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID <= 0 {
		return fmt.Errorf("--run-id is required")
	}

	if err := os.MkdirAll(*reportDir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	db, err := sqliteadapter.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	path, err := report.Generate(ctx, sqliteadapter.NewStore(db), report.Options{
		RunID:     *runID,
		ReportDir: *reportDir,
	})
	if err != nil {
		return err
	}

	fmt.Println("report generated")
	fmt.Printf("run_id=%d\n", *runID)
	fmt.Printf("pdf=%s\n", filepath.Clean(path))
	return nil
}

// printUsage 输出一级命令帮助。
func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  inspector-server serve [--listen 127.0.0.1:8000] [--db data/inspector.db] [--config-dir data/kubeconfigs] [--report-dir data/reports] [--workers 4]")
	fmt.Println("  inspector-server migrate [--db data/inspector.db]")
	fmt.Println("  inspector-server seed [--db data/inspector.db]")
	fmt.Println("  inspector-server report --run-id RUN_ID [--db data/inspector.db] [--report-dir data/reports]")
}
