package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/triggerbook/pkg/app/core/market"
	"github.com/uhyunpark/triggerbook/pkg/app/core/mempool"
	"github.com/uhyunpark/triggerbook/pkg/app/core/order"
	"github.com/uhyunpark/triggerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/triggerbook/pkg/app/hook"
	"github.com/uhyunpark/triggerbook/pkg/ledger"
)

const maxTxBody = 1 << 20

// Server handles REST API and WebSocket connections
type Server struct {
	app     *hook.App
	router  *mux.Router
	hub     *Hub
	origins []string
	logger  *zap.SugaredLogger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a new API server. hub should be the same instance the
// app publishes events to.
func NewServer(app *hook.App, hub *Hub, origins []string, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     hub,
		origins: origins,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/buckets", s.handleGetBuckets).Methods("GET")

	// Orders and claims
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/claims/{id}/{holder}", s.handleGetClaim).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/balances/{asset}", s.handleGetBalance).Methods("GET")

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	// Signed transaction submission
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	if m := s.app.Metrics(); m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Hub returns the event hub behind /ws
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routes wrapped in CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown. The hub must be running.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.app.Registry().List()
	response := make([]MarketInfo, 0, len(markets))
	_ = s.app.Ledger().View(func(tx *ledger.Tx) error {
		for _, m := range markets {
			response = append(response, poolInfo(tx, m))
		}
		return nil
	})
	for i := range response {
		s.addLastSwept(&response[i])
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.app.Registry().Lookup(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	var response MarketInfo
	_ = s.app.Ledger().View(func(tx *ledger.Tx) error {
		response = poolInfo(tx, m)
		return nil
	})
	s.addLastSwept(&response)
	respondJSON(w, response)
}

// poolInfo reads the market's reserves; tx must come from a ledger View
func poolInfo(tx *ledger.Tx, m *market.Market) MarketInfo {
	info := MarketInfo{
		Symbol:      m.Symbol,
		Token0:      m.Token0.Hex(),
		Token1:      m.Token1.Hex(),
		Pool:        m.Pool.Hex(),
		Status:      m.Status.String(),
		TickSpacing: m.TickSpacing,
		FeeBps:      m.FeeBps,
		Reserve0:    tx.BalanceOf(m.Token0, m.Pool),
		Reserve1:    tx.BalanceOf(m.Token1, m.Pool),
	}
	info.Price = market.PriceOf(info.Reserve0, info.Reserve1).StringFixed(6)
	if level, err := market.LevelOf(info.Reserve0, info.Reserve1); err == nil {
		info.Level = level
	}
	return info
}

// addLastSwept takes the ledger lock itself, so call it outside any View
func (s *Server) addLastSwept(info *MarketInfo) {
	if last, ok := s.app.Engine().LastLevel(info.Symbol); ok {
		info.LastSwept = &last
	}
}

func (s *Server) handleGetBuckets(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, err := s.app.Registry().Lookup(symbol); err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	buckets := s.app.Engine().Buckets(symbol)
	response := make([]BucketInfo, len(buckets))
	for i, b := range buckets {
		response[i] = BucketInfo{
			Level:      b.Level,
			ZeroForOne: b.ZeroForOne,
			Open:       hexIDs(b.Open),
			Total:      b.Total,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	o, found := s.app.Engine().Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "order not found", id.Hex())
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	orders := s.app.Engine().OrdersOf(addr)
	status := r.URL.Query().Get("status")
	response := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		if status != "" && o.Status.String() != status {
			continue
		}
		response = append(response, orderInfo(o))
	}
	respondJSON(w, response)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr, ok := pathAddress(w, vars["address"])
	if !ok {
		return
	}
	asset, ok := pathAddress(w, vars["asset"])
	if !ok {
		return
	}
	engineAddr := s.app.Engine().Address()
	response := BalanceInfo{Address: addr.Hex(), Asset: asset.Hex()}
	_ = s.app.Ledger().View(func(tx *ledger.Tx) error {
		response.Balance = tx.BalanceOf(asset, addr)
		response.EngineAllowance = tx.Allowance(asset, addr, engineAddr)
		response.Nonce = tx.Nonce(addr)
		return nil
	})
	respondJSON(w, response)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, ok := pathHash(w, vars["id"])
	if !ok {
		return
	}
	holder, ok := pathAddress(w, vars["holder"])
	if !ok {
		return
	}
	pool, found := s.app.Engine().ClaimPool(id)
	if !found {
		respondError(w, http.StatusNotFound, "claim pool not found", id.Hex())
		return
	}
	respondJSON(w, ClaimInfo{
		TokenID:     pool.ID.Hex(),
		Market:      pool.Market,
		Level:       pool.Level,
		ZeroForOne:  pool.ZeroForOne,
		Output:      pool.Output.Hex(),
		Claimable:   pool.Claimable,
		TotalSupply: pool.TotalSupply,
		Holder:      holder.Hex(),
		Balance:     s.app.Engine().ClaimBalance(id, holder),
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	head := s.app.Head()
	settlers := s.app.Settlers()
	response := ChainStatus{
		Height:      head.Height,
		BlockTime:   head.Time,
		StateHash:   hexutil.Encode(head.StateHash[:]),
		MempoolSize: s.app.MempoolLen(),
		Markets:     s.app.Registry().Count(),
		ChainID:     s.app.Domain().ChainID.String(),
		Engine:      s.app.Engine().Address().Hex(),
		IndexMode:   s.app.Engine().IndexMode().String(),
		Settlers:    make([]string, len(settlers)),
		Faucet:      s.app.FaucetEnabled(),
	}
	for i, a := range settlers {
		response.Settlers[i] = a.Hex()
	}
	respondJSON(w, response)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "failed to read body", err.Error())
		return
	}

	hash, err := s.app.PushTx(body)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, transaction.ErrMalformed):
			status = http.StatusBadRequest
		case errors.Is(err, transaction.ErrBadSignature):
			status = http.StatusUnauthorized
		case errors.Is(err, mempool.ErrFull):
			status = http.StatusServiceUnavailable
		}
		s.logger.Infow("tx_rejected", "status", status, "err", err)
		respondError(w, status, "transaction rejected", err.Error())
		return
	}

	s.logger.Debugw("tx_submitted", "tx_hash", hash.Hex(), "bytes", len(body))
	respondJSON(w, SubmitTxResponse{Status: "submitted", TxHash: hash.Hex()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func orderInfo(o order.Order) OrderInfo {
	return OrderInfo{
		ID:           o.ID.Hex(),
		Owner:        o.Owner.Hex(),
		Market:       o.Market,
		Type:         o.Type.String(),
		ZeroForOne:   o.ZeroForOne,
		AmountIn:     o.AmountIn,
		TriggerLevel: o.TriggerLevel,
		BucketLevel:  o.BucketLevel,
		Status:       o.Status.String(),
		Seq:          o.Seq,
		PlacedAt:     o.PlacedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func hexIDs(ids []common.Hash) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}

func pathAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func pathHash(w http.ResponseWriter, s string) (common.Hash, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid id", s)
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
