package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/chain/evm"
	"github.com/mbd888/settlegate/internal/chain/solana"
	"github.com/mbd888/settlegate/internal/chain/utxo"
	"github.com/mbd888/settlegate/internal/circuitbreaker"
	"github.com/mbd888/settlegate/internal/config"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/forwarder"
	"github.com/mbd888/settlegate/internal/keys"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/monitor"
	"github.com/mbd888/settlegate/internal/payments"
	"github.com/mbd888/settlegate/internal/rates"
	"github.com/mbd888/settlegate/internal/syncutil"
)

// buildChains dials one adapter per configured chain.
func buildChains(cfg *config.Config, logger *slog.Logger) (*chain.Registry, error) {
	reg := chain.NewRegistry()
	for id, cc := range cfg.Chains {
		a, err := newAdapter(id, cc)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("failed to init %s adapter: %w", id, err)
		}
		if err := reg.Register(a); err != nil {
			_ = reg.Close()
			return nil, err
		}
		p := a.Params()
		logger.Info("chain adapter ready",
			"chain", id,
			"confirmations", p.Confirmations,
			"pollInterval", p.PollInterval,
			"feeWallet", cc.FeeWallet != "",
		)
	}
	return reg, nil
}

func newAdapter(id chain.ID, cc config.ChainConfig) (chain.Adapter, error) {
	params, _ := chain.DefaultParams(id)
	if cc.Confirmations > 0 {
		params.Confirmations = cc.Confirmations
	}
	if cc.PollInterval > 0 {
		params.PollInterval = cc.PollInterval
	}

	switch id {
	case chain.SOL:
		seed, err := keys.ParseEdSeed(cc.Seed)
		if err != nil {
			return nil, err
		}
		return solana.New(solana.Config{RPCURL: cc.RPCURL, Seed: seed, Params: &params})
	case chain.ETH, chain.POL:
		key, err := keys.ParseHDKey(cc.XKey)
		if err != nil {
			return nil, err
		}
		return evm.New(evm.Config{
			Chain:     id,
			RPCURL:    cc.RPCURL,
			NetworkID: cc.NetworkID,
			Key:       key,
			Params:    &params,
		})
	case chain.BTC, chain.BCH:
		key, err := keys.ParseHDKey(cc.XKey)
		if err != nil {
			return nil, err
		}
		host := strings.TrimPrefix(strings.TrimPrefix(cc.RPCURL, "https://"), "http://")
		return utxo.New(utxo.Config{
			Chain:   id,
			Host:    strings.TrimSuffix(host, "/"),
			User:    cc.RPCUser,
			Pass:    cc.RPCPass,
			TLS:     cc.RPCTLS || strings.HasPrefix(cc.RPCURL, "https://"),
			Network: cc.Network,
			Key:     key,
			Params:  &params,
		})
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrUnsupportedChain, id)
}

// stores groups the persistence backends selected by DATABASE_URL.
type stores struct {
	addresses   addresses.Store
	escrows     escrow.Store
	payments    payments.Store
	attempts    forwarder.AttemptStore
	checkpoints monitor.CheckpointStore
}

func (st *stores) allocator(chains *chain.Registry, logger *slog.Logger) *addresses.Allocator {
	return addresses.NewAllocator(st.addresses, chains, logger)
}

func (st *stores) forwarder(chains *chain.Registry, oracle rates.Oracle, feeWallets map[chain.ID]string, logger *slog.Logger) *forwarder.Forwarder {
	return forwarder.New(chains, st.attempts, oracle, feeWallets, logger)
}

// openStores uses Postgres when DATABASE_URL is set, otherwise in-memory.
func (s *Server) openStores(ctx context.Context) (*stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("using in-memory storage (data will not persist)")
		return &stores{
			addresses:   addresses.NewMemoryStore(),
			escrows:     escrow.NewMemoryStore(),
			payments:    payments.NewMemoryStore(),
			attempts:    forwarder.NewMemoryAttemptStore(),
			checkpoints: monitor.NewMemoryCheckpointStore(),
		}, nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return &stores{
		addresses:   addresses.NewPostgresStore(db),
		escrows:     escrow.NewPostgresStore(db),
		payments:    payments.NewPostgresStore(db),
		attempts:    forwarder.NewPostgresAttemptStore(db),
		checkpoints: monitor.NewPostgresCheckpointStore(db),
	}, nil
}

// newLocker returns a Redis lease lock when REDIS_URL is set so several
// replicas serialize on the same escrow, otherwise an in-process lock.
func (s *Server) newLocker(ctx context.Context) (syncutil.Locker, error) {
	if s.cfg.RedisURL == "" {
		m := syncutil.NewKeyedMutex(s.cfg.LockWait, s.cfg.LockLease, s.logger)
		m.OnForceRelease = func(string, time.Duration) { metrics.LockForceReleasesTotal.Inc() }
		return m, nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.logger.Info("using redis escrow locks", "addr", opts.Addr)
	l := syncutil.NewRedisLocker(client, "settlegate:lock:", s.cfg.LockWait, s.cfg.LockLease, s.logger)
	l.OnLeaseLost = func(string) { metrics.LockForceReleasesTotal.Inc() }
	return l, nil
}

// newOracle builds the USD price and network fee sources.
func newOracle(cfg *config.Config, logger *slog.Logger) *rates.Service {
	static := rates.Static{}
	for id, raw := range cfg.StaticPrices {
		p, err := decimal.NewFromString(raw)
		if err != nil || !p.IsPositive() {
			logger.Warn("ignoring invalid static price", "chain", id, "value", raw)
			continue
		}
		static[id] = p
	}

	var prices rates.PriceSource = static
	if cfg.CoinGeckoURL != "" {
		prices = rates.NewCached(rates.NewCoinGecko(cfg.CoinGeckoURL), cfg.RateTTL, static, logger)
	}

	feeRates := make(map[chain.ID]*big.Int)
	for id, cc := range cfg.Chains {
		if cc.FeeRate > 0 {
			feeRates[id] = big.NewInt(cc.FeeRate)
		}
	}
	return rates.New(prices, feeRates)
}

// newMonitors creates one ChainMonitor per registered chain. They share a
// breaker keyed by chain so one outage does not stall the others.
func (s *Server) newMonitors(allocator *addresses.Allocator, checkpoints monitor.CheckpointStore) *monitor.Supervisor {
	router := monitor.NewRouter(allocator, s.escrowService, s.paymentService, s.logger)
	breaker := circuitbreaker.New(5, time.Minute)

	var list []*monitor.ChainMonitor
	for _, id := range s.chains.Chains() {
		adapter, err := s.chains.Get(id)
		if err != nil {
			continue
		}
		list = append(list, monitor.New(
			adapter,
			allocator,
			router,
			s.escrowService,
			s.paymentService,
			checkpoints,
			breaker,
			monitor.Config{PollInterval: s.cfg.Chains[id].PollInterval},
			s.logger,
		))
	}
	return monitor.NewSupervisor(list...)
}
