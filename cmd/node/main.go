package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/params"
	"github.com/uhyunpark/triggerbook/pkg/abci"
	"github.com/uhyunpark/triggerbook/pkg/api"
	"github.com/uhyunpark/triggerbook/pkg/app/core/engine"
	"github.com/uhyunpark/triggerbook/pkg/app/core/executor"
	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/hook"
	"github.com/uhyunpark/triggerbook/pkg/app/txgen"
	"github.com/uhyunpark/triggerbook/pkg/crypto"
	"github.com/uhyunpark/triggerbook/pkg/events"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
	"github.com/uhyunpark/triggerbook/pkg/metrics"
	"github.com/uhyunpark/triggerbook/pkg/storage"
	"github.com/uhyunpark/triggerbook/pkg/util"
)

// systemAddress derives a fixed custody address nobody holds a key for
func systemAddress(name string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("triggerbook:" + name)))
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		return err
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "transactions.log"))
	if err != nil {
		return err
	}
	defer wal.Close()

	l := ledger.New(store, sugar)
	if err := l.Load(); err != nil {
		return err
	}

	// ---- Markets ----
	reg := market.NewRegistry()
	m, err := market.NewMarket(
		cfg.Market.Symbol,
		common.HexToAddress(cfg.Market.Token0),
		common.HexToAddress(cfg.Market.Token1),
		cfg.Market.TickSpacing,
		cfg.Market.FeeBps,
	)
	if err != nil {
		return err
	}
	if err := reg.Register(m); err != nil {
		return err
	}
	if err := seedIfEmpty(ctx, l, reg, cfg.Market, sugar); err != nil {
		return err
	}
	pools := market.NewPools(reg, l, sugar)

	// ---- Event sinks ----
	hub := api.NewHub(sugar)
	sinks := events.Fanout{events.NewLogSink(sugar), hub}
	var gen *txgen.Generator
	if cfg.TxGen.Enabled {
		if gen, err = newGenerator(cfg, l, reg); err != nil {
			return err
		}
		sinks = append(sinks, gen)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, sugar)
		defer kafka.Close()
		sinks = append(sinks, kafka)
		sugar.Infow("kafka_sink_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// ---- App ----
	mode, err := engine.ParseIndexMode(cfg.Engine.IndexMode)
	if err != nil {
		return err
	}
	app := hook.New(hook.Config{
		Engine: engine.Config{Address: systemAddress("engine"), IndexMode: mode},
		Domain: crypto.DomainForChain(cfg.Node.ChainID),
		Faucet: cfg.Node.Faucet,
	}, l, pools, hook.Options{
		Sink:    sinks,
		Blocks:  store,
		WAL:     wal,
		Metrics: metrics.New(),
		Logger:  sugar,
	})
	if err := app.Engine().Load(store); err != nil {
		return err
	}
	app.RegisterSettler(executor.NewRouter(systemAddress("router"), pools, sugar))

	head := app.Head()
	sugar.Infow("node_starting",
		"height", head.Height,
		"engine", app.Engine().Address().Hex(),
		"index_mode", mode.String(),
		"settlers", len(app.Settlers()),
		"faucet", cfg.Node.Faucet,
		"min_block_time_ms", cfg.Node.MinBlockTime.Milliseconds(),
	)

	// ---- API Server ----
	go hub.Run(ctx)
	apiServer := api.NewServer(app, hub, cfg.API.AllowedOrigins, sugar)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	if gen != nil {
		if !cfg.Node.Faucet {
			sugar.Warnw("txgen_without_faucet", "hint", "accounts cannot be funded; set NODE_FAUCET=true")
		}
		defer txgen.StartFeeder(ctx, app, gen, sugar)()
	}

	// ---- Block producer ----
	producer := abci.NewProducer(app, int64(head.Height), sugar)
	producer.MinBlockTime = cfg.Node.MinBlockTime
	producer.MaxTxBytes = cfg.Node.MaxTxBytes
	err = producer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("api_shutdown_failed", "err", serr)
	}
	sugar.Infow("node_stopped", "height", producer.Height())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedIfEmpty mints the genesis reserves on first start
func seedIfEmpty(ctx context.Context, l *ledger.Ledger, reg *market.Registry, mc params.Market, sugar *zap.SugaredLogger) error {
	return l.Atomic(ctx, func(_ context.Context, tx *ledger.Tx) error {
		r0, r1, err := reg.Reserves(tx, mc.Symbol)
		if err != nil {
			return err
		}
		if r0 != 0 || r1 != 0 {
			return nil
		}
		if err := reg.Seed(tx, mc.Symbol, mc.Reserve0, mc.Reserve1); err != nil {
			return err
		}
		tx.AfterCommit(func() {
			sugar.Infow("market_seeded", "market", mc.Symbol, "reserve0", mc.Reserve0, "reserve1", mc.Reserve1)
		})
		return nil
	})
}

// newGenerator builds the devnet load generator for the genesis market
func newGenerator(cfg params.Config, l *ledger.Ledger, reg *market.Registry) (*txgen.Generator, error) {
	gc := txgen.DefaultConfig()
	if cfg.TxGen.Mode == "high" {
		gc = txgen.HighLoadConfig()
	}
	gc.Market = cfg.Market.Symbol
	gc.Token0 = common.HexToAddress(cfg.Market.Token0)
	gc.Token1 = common.HexToAddress(cfg.Market.Token1)
	gc.Engine = systemAddress("engine")
	gc.Settler = systemAddress("router")
	gc.Domain = crypto.DomainForChain(cfg.Node.ChainID)
	// swaps of ~0.1% of reserve0 move the level by a few buckets
	if r0 := cfg.Market.Reserve0 / 1000; r0 > 0 {
		gc.SwapSize = r0
	}
	return txgen.New(gc, func() int64 {
		var level int64
		_ = l.View(func(tx *ledger.Tx) error {
			var err error
			level, err = reg.CurrentLevel(tx, cfg.Market.Symbol)
			return err
		})
		return level
	})
}
