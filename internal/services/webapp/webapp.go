// Package webapp 提供巡检平台的 HTTP API：
// 集群/巡检项/Agent 管理、运行编排接口，以及 Agent 租约协议端点。
package webapp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"kube-inspector/internal/adapters/kube"
	"kube-inspector/internal/adapters/prometheus"
	sqliteadapter "kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/app"
	"kube-inspector/internal/domain/model"
	"kube-inspector/internal/services/agentgw"
	"kube-inspector/internal/services/checks"
	"kube-inspector/internal/services/inspect"
	"kube-inspector/internal/services/report"
)

// Options 定义服务端启动参数。
type Options struct {
	DBPath     string
	ConfigDir  string
	ReportDir  string
	ListenAddr string
	Workers    int
}

// Run 启动巡检服务端：
// - 打开数据库并应用迁移、写入默认巡检项
// - 重新提交进程重启前被中断的 server 运行
// - 对外提供管理 API 与 Agent 协议端点
func Run(ctx context.Context, opts Options) error {
	defaults := app.DefaultConfig()
	if opts.DBPath == "" {
		opts.DBPath = defaults.DBPath
	}
	if opts.ConfigDir == "" {
		opts.ConfigDir = defaults.ConfigDir
	}
	if opts.ReportDir == "" {
		opts.ReportDir = defaults.ReportDir
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaults.ListenAddr
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}

	for _, dir := range []string{opts.ConfigDir, opts.ReportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	db, err := sqliteadapter.Open(opts.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	store := sqliteadapter.NewStore(db)
	if err := SeedDefaultItems(ctx, store); err != nil {
		return fmt.Errorf("seed default items: %w", err)
	}

	sched := inspect.NewScheduler(store, buildCheckEnv, opts.Workers)
	sched.OnFinish = func(runID int64) {
		// 报告是旁路产物，失败只记日志
		if _, err := report.Generate(context.Background(), store, report.Options{
			RunID: runID, ReportDir: opts.ReportDir,
		}); err != nil {
			log.Printf("run %d: generate report: %v", runID, err)
		}
	}

	if n, err := sched.ResubmitInterrupted(ctx); err != nil {
		return fmt.Errorf("resubmit interrupted runs: %w", err)
	} else if n > 0 {
		log.Printf("resubmitted %d interrupted runs", n)
	}

	s := &Server{
		opts:  opts,
		store: store,
		sched: sched,
		gw:    agentgw.NewService(store),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("inspector listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// buildCheckEnv 按集群构造执行环境：kubectl 绑定凭证文件，
// Prometheus 只有配置了地址才注入。
func buildCheckEnv(ctx context.Context, cluster *model.Cluster) (*checks.Env, error) {
	env := &checks.Env{
		KubeconfigPath: cluster.KubeconfigPath,
		Kubectl:        kube.NewRunner(cluster.KubeconfigPath),
	}
	if cluster.PrometheusURL != "" {
		env.Prom = prometheus.NewClient(cluster.PrometheusURL)
	}
	return env, nil
}
