package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/internal/cli"
	"github.com/irgendwasmitfelix/TradingBot/internal/config"
	"github.com/irgendwasmitfelix/TradingBot/internal/svc"
	"github.com/irgendwasmitfelix/TradingBot/pkg/lockfile"
)

const checkTimeout = 30 * time.Second

var (
	configFile = flag.String("f", "etc/tradingbot.yaml", "the config file")
	checkOnly  = flag.Bool("check", false, "query the account balance and exit")
	dryRun     = flag.Bool("dry-run", false, "route orders to the paper exchange")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fatalf("load config: %v", err)
	}
	logx.MustSetup(cfg.Log)
	defer logx.Close()
	cli.LogConfigSummary(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcCtx, err := svc.NewServiceContext(*cfg, svc.Options{DryRun: *dryRun})
	if err != nil {
		fatalf("build service context: %v", err)
	}

	if *checkOnly {
		if err := check(ctx, svcCtx); err != nil {
			fatalf("connectivity check failed: %v", err)
		}
		return
	}

	runner, err := svcCtx.NewRunner()
	if err != nil {
		fatalf("build runner: %v", err)
	}
	logx.Infof("tradingbot: starting on %s", svcCtx.ExchangeName)
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, lockfile.ErrDuplicateInstance) {
			fatalf("another instance holds %s", svcCtx.BotConfig.LockPath)
		}
		fatalf("tradingbot stopped: %v", err)
	}
	logx.Info("tradingbot: stopped")
}

func check(ctx context.Context, svcCtx *svc.ServiceContext) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	bal, err := svcCtx.Exchange.GetBalance(ctx)
	if err != nil {
		return err
	}
	assets := make([]string, 0, len(bal))
	for asset := range bal {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	fmt.Printf("%s: connected, %d assets\n", svcCtx.ExchangeName, len(assets))
	for _, asset := range assets {
		fmt.Printf("  %-8s %s\n", asset, bal[asset].String())
	}
	return nil
}

func fatalf(format string, args ...interface{}) {
	logx.Errorf(format, args...)
	logx.Close()
	os.Exit(1)
}
