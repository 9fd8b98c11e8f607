package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/internal/config"
	"github.com/irgendwasmitfelix/TradingBot/internal/svc"
	"github.com/irgendwasmitfelix/TradingBot/pkg/ledger"
)

var configFile = flag.String("f", "etc/tradingbot.yaml", "the config file")

type report struct {
	Exchange string   `json:"exchange"`
	Pairs    []string `json:"pairs"`
	ledger.Snapshot
}

// Prints the reconstructed book as JSON. Takes no lock and places no orders,
// so it is safe to run next to a live bot.
func main() {
	flag.Parse()

	cfg := config.MustLoad(*configFile)
	logx.MustSetup(cfg.Log)
	defer logx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcCtx, err := svc.NewServiceContext(*cfg, svc.Options{})
	if err != nil {
		logx.Errorf("build service context: %v", err)
		os.Exit(1)
	}
	book, specs, err := svcCtx.Reconcile(ctx)
	if err != nil {
		logx.Errorf("reconcile: %v", err)
		os.Exit(1)
	}

	out := report{Exchange: svcCtx.ExchangeName, Snapshot: book.Snapshot()}
	for _, spec := range specs {
		out.Pairs = append(out.Pairs, spec.Normalized)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logx.Errorf("write report: %v", err)
		os.Exit(1)
	}
}
