package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"liqmatrix/chronicle"
	"liqmatrix/config"
	"liqmatrix/events"
	"liqmatrix/matrix"
	"liqmatrix/observability/logging"
	"liqmatrix/observability/metrics"
	"liqmatrix/registry"
	"liqmatrix/storage"
)

func main() {
	configPath := flag.String("config", "chronicled.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chronicled: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("chronicled", cfg.Environment)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	agg := matrix.NewAggregator(common.HexToAddress(cfg.AggregatorAddress), cfg.ChainID, db, logEmitter{logger: logger})
	srv := &server{agg: agg, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestMetrics)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Route("/v1", func(r chi.Router) {
		r.Post("/apps", srv.registerApp)
		r.Post("/apps/{app}/remote/{chain}", srv.bindRemoteApp)
		r.Post("/apps/{app}/remote/{chain}/accounts", srv.mapAccounts)
		r.Post("/roots/liquidity", srv.receiveLiquidityRoot)
		r.Post("/roots/data", srv.receiveDataRoot)
		r.Post("/local/liquidity", srv.updateLiquidity)
		r.Post("/local/data", srv.updateData)
		r.Post("/settle/liquidity", srv.settleLiquidity)
		r.Post("/settle/data", srv.settleData)
		r.Get("/apps/{app}/remote/{chain}/liquidity", srv.remoteLiquidity)
		r.Get("/apps/{app}/remote/{chain}/total", srv.remoteTotal)
		r.Get("/apps/{app}/remote/{chain}/finalized", srv.finalized)
	})

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	api := &http.Server{Addr: cfg.ListenAddress, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsRouter, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api listening", "address", cfg.ListenAddress)
		errCh <- api.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		errCh <- metricsSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)
}

// requestMetrics records per-route request counts, errors and latency using
// the chi route pattern so path parameters don't explode label cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.HTTP().Observe(route, r.Method, ww.Status(), time.Since(start))
	})
}

// logEmitter surfaces ledger events on the structured log stream.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(event events.Event) {
	attrs := make([]any, 0, 8)
	for k, v := range event.Attributes() {
		attrs = append(attrs, slog.String(k, v))
	}
	e.logger.Info(event.EventType(), attrs...)
}

type server struct {
	agg    *matrix.Aggregator
	logger *slog.Logger
}

type registerAppRequest struct {
	App                    string `json:"app"`
	Settler                string `json:"settler"`
	SyncMappedAccountsOnly bool   `json:"syncMappedAccountsOnly"`
	UseHook                bool   `json:"useHook"`
}

func (s *server) registerApp(w http.ResponseWriter, r *http.Request) {
	var req registerAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	app, err := parseAddress(req.App)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	settler, err := parseAddress(req.Settler)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.agg.RegisterApp(app, chronicle.Settings{
		SyncMappedAccountsOnly: req.SyncMappedAccountsOnly,
		UseHook:                req.UseHook,
		Settler:                settler,
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"app": app.Hex()})
}

type bindRemoteAppRequest struct {
	RemoteApp string `json:"remoteApp"`
}

func (s *server) bindRemoteApp(w http.ResponseWriter, r *http.Request) {
	app, chainID, err := pathAppChain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req bindRemoteAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remoteApp, err := parseAddress(req.RemoteApp)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	idx, err := s.agg.Apps().BindRemoteApp(app, chainID, remoteApp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": idx})
}

type mapAccountsRequest struct {
	RemoteAccounts []string `json:"remoteAccounts"`
	LocalAccounts  []string `json:"localAccounts"`
}

func (s *server) mapAccounts(w http.ResponseWriter, r *http.Request) {
	app, chainID, err := pathAppChain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req mapAccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remotes, err := parseAddresses(req.RemoteAccounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	locals, err := parseAddresses(req.LocalAccounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.agg.Accounts().Map(app, chainID, remotes, locals); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rootRequest struct {
	ChainID   uint64 `json:"chainId"`
	Version   uint64 `json:"version"`
	Timestamp uint64 `json:"timestamp"`
	Root      string `json:"root"`
}

func (s *server) receiveLiquidityRoot(w http.ResponseWriter, r *http.Request) {
	s.receiveRoot(w, r, s.agg.Roots().SetLiquidityRoot)
}

func (s *server) receiveDataRoot(w http.ResponseWriter, r *http.Request) {
	s.receiveRoot(w, r, s.agg.Roots().SetDataRoot)
}

func (s *server) receiveRoot(w http.ResponseWriter, r *http.Request, set func(uint64, uint64, uint64, common.Hash) error) {
	var req rootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, err := parseHash(req.Root)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := set(req.ChainID, req.Version, req.Timestamp, root); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateLiquidityRequest struct {
	Caller    string `json:"caller"`
	App       string `json:"app"`
	Account   string `json:"account"`
	Liquidity string `json:"liquidity"`
}

func (s *server) updateLiquidity(w http.ResponseWriter, r *http.Request) {
	var req updateLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	app, err := parseAddress(req.App)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidity, err := parseBig(req.Liquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	aggIdx, localIdx, err := s.agg.UpdateLiquidity(caller, app, account, liquidity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"aggregateIndex": aggIdx, "localIndex": localIdx})
}

type updateDataRequest struct {
	Caller string `json:"caller"`
	App    string `json:"app"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

func (s *server) updateData(w http.ResponseWriter, r *http.Request) {
	var req updateDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	app, err := parseAddress(req.App)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := parseHash(req.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	value := common.FromHex(req.Value)
	aggIdx, localIdx, err := s.agg.UpdateData(caller, app, key, value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"aggregateIndex": aggIdx, "localIndex": localIdx})
}

type settleLiquidityRequest struct {
	Caller         string   `json:"caller"`
	App            string   `json:"app"`
	ChainID        uint64   `json:"chainId"`
	Timestamp      uint64   `json:"timestamp"`
	Accounts       []string `json:"accounts"`
	Liquidity      []string `json:"liquidity"`
	IsContract     []bool   `json:"isContract"`
	TotalLiquidity string   `json:"totalLiquidity"`
	LiquidityRoot  string   `json:"liquidityRoot"`
	Proof          []string `json:"proof"`
}

func (s *server) settleLiquidity(w http.ResponseWriter, r *http.Request) {
	var req settleLiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	app, err := parseAddress(req.App)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accounts, err := parseAddresses(req.Accounts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amounts := make([]*big.Int, len(req.Liquidity))
	for i, raw := range req.Liquidity {
		amounts[i], err = parseBig(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	total, err := parseBig(req.TotalLiquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, err := parseHash(req.LiquidityRoot)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proof, err := parseHashes(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.agg.SettleLiquidity(caller, app, req.ChainID, chronicle.SettleLiquidityParams{
		Timestamp:      req.Timestamp,
		Accounts:       accounts,
		Liquidity:      amounts,
		IsContract:     req.IsContract,
		TotalLiquidity: total,
		LiquidityRoot:  root,
		Proof:          proof,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settleDataRequest struct {
	Caller    string   `json:"caller"`
	App       string   `json:"app"`
	ChainID   uint64   `json:"chainId"`
	Timestamp uint64   `json:"timestamp"`
	Keys      []string `json:"keys"`
	Values    []string `json:"values"`
	DataRoot  string   `json:"dataRoot"`
	Proof     []string `json:"proof"`
}

func (s *server) settleData(w http.ResponseWriter, r *http.Request) {
	var req settleDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	app, err := parseAddress(req.App)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	keys, err := parseHashes(req.Keys)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	values := make([][]byte, len(req.Values))
	for i, raw := range req.Values {
		values[i] = common.FromHex(raw)
	}
	root, err := parseHash(req.DataRoot)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proof, err := parseHashes(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.agg.SettleData(caller, app, req.ChainID, chronicle.SettleDataParams{
		Timestamp: req.Timestamp,
		Keys:      keys,
		Values:    values,
		DataRoot:  root,
		Proof:     proof,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) remoteLiquidity(w http.ResponseWriter, r *http.Request) {
	app, chainID, err := pathAppChain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remote, err := s.agg.EnsureRemote(app, chainID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	account, err := parseAddress(r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var value *big.Int
	if ts := r.URL.Query().Get("timestamp"); ts != "" {
		timestamp, err := strconv.ParseUint(ts, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		value = remote.GetLiquidityAt(account, timestamp)
	} else {
		value = remote.GetLiquidity(account)
	}
	writeJSON(w, http.StatusOK, map[string]string{"liquidity": value.String()})
}

func (s *server) remoteTotal(w http.ResponseWriter, r *http.Request) {
	app, chainID, err := pathAppChain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remote, err := s.agg.EnsureRemote(app, chainID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var value *big.Int
	if ts := r.URL.Query().Get("timestamp"); ts != "" {
		timestamp, err := strconv.ParseUint(ts, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		value = remote.GetTotalLiquidityAt(timestamp)
	} else {
		value = remote.GetTotalLiquidity()
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalLiquidity": value.String()})
}

func (s *server) finalized(w http.ResponseWriter, r *http.Request) {
	app, chainID, err := pathAppChain(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remote, err := s.agg.EnsureRemote(app, chainID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ts := r.URL.Query().Get("timestamp")
	if ts == "" {
		writeJSON(w, http.StatusOK, map[string]uint64{"lastFinalized": remote.LastFinalizedTimestamp()})
		return
	}
	timestamp, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"finalized":            remote.IsFinalized(timestamp),
		"finalizedTimestampAt": remote.FinalizedTimestampAt(timestamp),
	})
}

func pathAppChain(r *http.Request) (common.Address, uint64, error) {
	app, err := parseAddress(chi.URLParam(r, "app"))
	if err != nil {
		return common.Address{}, 0, err
	}
	chainID, err := strconv.ParseUint(chi.URLParam(r, "chain"), 10, 64)
	if err != nil {
		return common.Address{}, 0, err
	}
	return app, chainID, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, len(raw))
	for i, r := range raw {
		addr, err := parseAddress(r)
		if err != nil {
			return nil, err
		}
		out[i] = addr
	}
	return out, nil
}

func parseHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	decoded := common.FromHex(raw)
	if len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q", raw)
	}
	return common.BytesToHash(decoded), nil
}

func parseHashes(raw []string) ([]common.Hash, error) {
	out := make([]common.Hash, len(raw))
	for i, r := range raw {
		hash, err := parseHash(r)
		if err != nil {
			return nil, err
		}
		out[i] = hash
	}
	return out, nil
}

func parseBig(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps ledger errors onto HTTP statuses: authorization to
// 403, ordering/duplicate conflicts to 409, missing external dependencies to
// 425 (retry once the dependency lands), proof failures to 422.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chronicle.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, chronicle.ErrStaleTimestamp),
		errors.Is(err, chronicle.ErrLiquidityAlreadySettled),
		errors.Is(err, chronicle.ErrDataAlreadySettled),
		errors.Is(err, chronicle.ErrAlreadyDeployed),
		errors.Is(err, registry.ErrRootMismatch),
		errors.Is(err, registry.ErrRemoteAppAlreadySet),
		errors.Is(err, registry.ErrAlreadyMapped),
		errors.Is(err, registry.ErrLocalAlreadyInUse):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, chronicle.ErrRootNotReceived),
		errors.Is(err, chronicle.ErrRemoteAppNotSet):
		writeError(w, http.StatusTooEarly, err)
	case errors.Is(err, chronicle.ErrInvalidProof):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, chronicle.ErrInvalidArrayLengths),
		errors.Is(err, chronicle.ErrInvalidChainIdentifier),
		errors.Is(err, registry.ErrInvalidLengths),
		errors.Is(err, registry.ErrZeroRoot):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, registry.ErrAppNotRegistered),
		errors.Is(err, chronicle.ErrNotDeployed):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
