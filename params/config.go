package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	DataDir  string
	LogFile  string
	LogLevel string // debug, info, warn, error
	// MinBlockTime throttles block production. Blocks are only produced
	// when the mempool is non-empty, so this bounds latency, not load.
	MinBlockTime time.Duration
	MaxTxBytes   int64
	// Faucet enables self-minting faucet txs. Devnet only.
	Faucet  bool
	ChainID int64
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Engine struct {
	IndexMode string // "placement" or "trigger"
}

// Market is the genesis market seeded into an empty store
type Market struct {
	Symbol      string
	Token0      string
	Token1      string
	TickSpacing int64
	FeeBps      int64
	Reserve0    int64
	Reserve1    int64
}

type Kafka struct {
	Brokers []string // empty disables the Kafka sink
	Topic   string
}

// TxGen drives a built-in load generator against the node's own mempool.
// Devnet only; it needs the faucet.
type TxGen struct {
	Enabled bool
	Mode    string // "default" or "high"
}

type Config struct {
	Node   Node
	API    API
	Engine Engine
	Market Market
	Kafka  Kafka
	TxGen  TxGen
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:      "data",
			LogFile:      "logs/node.log",
			LogLevel:     "info",
			MinBlockTime: 200 * time.Millisecond, // Devnet default
			MaxTxBytes:   1 << 24,
			Faucet:       true,
			ChainID:      1337,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Engine: Engine{IndexMode: "placement"},
		Market: Market{
			Symbol:      "ETH-USDC",
			Token0:      "0x0000000000000000000000000000000000000a00",
			Token1:      "0x0000000000000000000000000000000000000b00",
			TickSpacing: 10,
			FeeBps:      30,
			Reserve0:    1_000_000_000,
			Reserve1:    3_000_000_000_000,
		},
		Kafka: Kafka{Topic: "triggerbook.events"},
		TxGen: TxGen{Mode: "default"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if ms, ok := getInt("NODE_MIN_BLOCK_TIME_MS"); ok {
		cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
	}
	if n, ok := getInt("NODE_MAX_TX_BYTES"); ok {
		cfg.Node.MaxTxBytes = n
	}
	if faucet := os.Getenv("NODE_FAUCET"); faucet != "" {
		cfg.Node.Faucet = faucet == "true"
	}
	if id, ok := getInt("CHAIN_ID"); ok {
		cfg.Node.ChainID = id
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := getList("API_ALLOWED_ORIGINS"); len(origins) > 0 {
		cfg.API.AllowedOrigins = origins
	}

	cfg.Engine.IndexMode = getEnv("ENGINE_INDEX_MODE", cfg.Engine.IndexMode)

	cfg.Market.Symbol = getEnv("MARKET_SYMBOL", cfg.Market.Symbol)
	cfg.Market.Token0 = getEnv("MARKET_TOKEN0", cfg.Market.Token0)
	cfg.Market.Token1 = getEnv("MARKET_TOKEN1", cfg.Market.Token1)
	if n, ok := getInt("MARKET_TICK_SPACING"); ok {
		cfg.Market.TickSpacing = n
	}
	if n, ok := getInt("MARKET_FEE_BPS"); ok {
		cfg.Market.FeeBps = n
	}
	if n, ok := getInt("MARKET_RESERVE0"); ok {
		cfg.Market.Reserve0 = n
	}
	if n, ok := getInt("MARKET_RESERVE1"); ok {
		cfg.Market.Reserve1 = n
	}

	// Brokers from comma-separated list, e.g. "localhost:9092,localhost:9093"
	cfg.Kafka.Brokers = getList("KAFKA_BROKERS")
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.TxGen.Enabled = os.Getenv("ENABLE_TXGEN") == "true"
	cfg.TxGen.Mode = getEnv("TXGEN_MODE", cfg.TxGen.Mode)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt ignores unset and unparsable values
func getInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
