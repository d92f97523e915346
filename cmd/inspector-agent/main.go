package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kube-inspector/internal/services/agentloop"
)

// Agent 入口：部署在目标集群内，轮询服务端领取巡检任务并就地执行。
func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inspector-agent", flag.ContinueOnError)
	configPath := fs.String("c", "agent.yaml", "agent config file (yaml)")
	once := fs.Bool("once", false, "run a single poll cycle and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := agentloop.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("agent: connecting to %s (poll=%s batch=%d)", cfg.ServerBaseURL, cfg.PollInterval, cfg.BatchSize)
	err = agentloop.NewRunner(cfg).Run(sigCtx, *once)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
