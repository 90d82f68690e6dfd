package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ScalpTradeBot/config"
	"ScalpTradeBot/internal/handlers"
	"ScalpTradeBot/internal/models"
	"ScalpTradeBot/internal/operations/binance"
	"ScalpTradeBot/internal/operations/journal"
	"ScalpTradeBot/internal/operations/position"
	"ScalpTradeBot/internal/operations/pricefeed"
	"ScalpTradeBot/internal/operations/rules"
	"ScalpTradeBot/internal/repositories"
	"ScalpTradeBot/internal/services/risk"
	signalsvc "ScalpTradeBot/internal/services/signal"

	"ScalpTradeBot/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	zlog := logger.New(config.EnvtoBool(os.Getenv("DEBUG"), false))
	defer zlog.Sync()

	db := setupDatabase(cfg.Database)
	tradeRepo := repositories.NewTradeRepository(db)
	recorder := journal.NewRecorder(tradeRepo, zlog.Named("journal"))

	gateway := binance.NewGateway(cfg.Exchange.APIKey, cfg.Exchange.SecretKey,
		cfg.Exchange.UseTestnet, zlog.Named("binance"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if offset, err := gateway.SyncServerTime(ctx); err != nil {
		zlog.Warnw("initial server time sync failed", "error", err)
	} else {
		zlog.Infow("server time synced", "offset_ms", offset)
	}

	rulesCache := rules.NewCache(gateway, zlog.Named("rules"))
	if err := rulesCache.Refresh(ctx); err != nil {
		log.Fatal("Failed to load instrument rules:", err)
	}

	priceCache := pricefeed.NewCache()
	var feed *pricefeed.Feed
	if cfg.Scan.UseWebsocket {
		feed = pricefeed.NewFeed(priceCache, cfg.Exchange.UseTestnet, zlog.Named("pricefeed"))
		feed.Start(ctx)
	}

	guard, err := risk.NewGuard(cfg.Risk, zlog.Named("risk"))
	if err != nil {
		log.Fatal("Failed to create risk guard:", err)
	}

	var trader position.Trader
	if cfg.Execution.TradeMode == config.TradeModeLive {
		trader = position.NewController(gateway, rulesCache, guard, recorder,
			priceCache, cfg.Execution, zlog.Named("position"))
		zlog.Warnw("LIVE trading enabled", "testnet", cfg.Exchange.UseTestnet)
	} else {
		trader = position.NewPaperTrader(gateway, priceCache, rulesCache, guard,
			recorder, cfg.Execution, zlog.Named("paper"))
		zlog.Infow("paper trading mode", "equity", cfg.Execution.PaperEquity)
	}

	engine := signalsvc.NewEngine(gateway, signalsvc.DefaultConfig(), zlog.Named("signal"))

	commandHandler := handlers.NewCommandHandler(zlog.Named("keys"))
	commandHandler.Start(ctx)

	var subscriber handlers.Subscriber
	if feed != nil {
		subscriber = feed
	}
	scanHandler := handlers.NewScanHandler(trader, gateway, engine, guard,
		rulesCache, subscriber, commandHandler.Commands(), cfg.Scan, zlog.Named("scan"))

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, zlog)
	}

	if err := scanHandler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zlog.Errorw("scan loop stopped", "error", err)
	}

	zlog.Infow("shutting down")
	if feed != nil {
		feed.Stop()
	}
	time.Sleep(time.Second)
	zlog.Infow("shutdown complete")
}

func serveMetrics(addr string, zlog interface{ Warnw(string, ...interface{}) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		zlog.Warnw("metrics server stopped", "error", err)
	}
}

func setupDatabase(dbConfig config.DatabaseConfig) *gorm.DB {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.DBName)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	if err := db.AutoMigrate(&models.Trade{}); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	return db
}
