// cmd/pricesync serves live market prices to dashboard clients.
//
// The primary source is the provider's market-data websocket, reached
// through an OAuth session that is renewed in the background. When the
// stream is down the service polls a batch quote API, and when that fails
// too it simulates prices from the last known values. Crypto symbols come
// from a separate exchange ticker stream.
//
// Config is read from the environment (and a .env file); see config.Load.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"marketpulse/config"
	"marketpulse/internal/auth"
	"marketpulse/internal/breaker"
	"marketpulse/internal/gateway"
	"marketpulse/internal/logger"
	"marketpulse/internal/marketdata/authorize"
	"marketpulse/internal/marketdata/crypto"
	"marketpulse/internal/marketdata/fallback"
	"marketpulse/internal/marketdata/pricestore"
	"marketpulse/internal/marketdata/stream"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
	"marketpulse/internal/notification"
	memorystore "marketpulse/internal/store/memory"
	redisstore "marketpulse/internal/store/redis"
	sqlitestore "marketpulse/internal/store/sqlite"
	"marketpulse/internal/symbols"
	"marketpulse/pkg/upstox"
)

func main() {
	startedAt := time.Now()

	// ---- Config & logging ----
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[pricesync] invalid config: %v", err)
	}
	lg, err := logger.Init("pricesync", logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("[pricesync] logger init: %v", err)
	}

	table, err := loadSymbols(cfg.SymbolsFile)
	if err != nil {
		log.Fatalf("[pricesync] %v", err)
	}
	lg.Info("symbols loaded", "count", table.Len(), "stream_keys", len(table.StreamKeys()), "crypto", len(table.CryptoSymbols()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.TokenStore)

	// ---- Alerts ----
	alerter := notification.NewAlerter(buildNotifier(cfg, lg), lg)

	// ---- Redis (token store and/or price mirror) ----
	var rdb *goredis.Client
	if cfg.NeedsRedis() {
		rdb, err = redisstore.Dial(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		switch {
		case err == nil:
			health.EnableRedis()
			defer rdb.Close()
		case cfg.TokenStore == config.TokenStoreRedis:
			log.Fatalf("[pricesync] redis token store unavailable: %v", err)
		default:
			log.Printf("[pricesync] WARNING: redis unavailable: %v (price mirror disabled)", err)
		}
	}

	// ---- Token store ----
	var tokens model.SessionStore
	var sqlDB *sql.DB
	switch cfg.TokenStore {
	case config.TokenStoreSQLite:
		st, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Fatalf("[pricesync] sqlite init failed: %v", err)
		}
		defer st.Close()
		tokens, sqlDB = st, st.DB()
		health.EnableSQLite()
	case config.TokenStoreRedis:
		tokens = redisstore.NewTokenStore(rdb)
	default:
		tokens = memorystore.New()
		log.Println("[pricesync] using in-memory token store; logins do not survive restarts")
	}

	var rdbHealth goredis.UniversalClient
	if rdb != nil {
		rdbHealth = rdb
	}
	health.StartLivenessChecker(ctx, rdbHealth, sqlDB, 10*time.Second)

	// ---- Provider session ----
	client := upstox.NewClient(upstox.Config{
		ClientID:     cfg.UpstoxClientID,
		ClientSecret: cfg.UpstoxClientSecret,
		RedirectURI:  cfg.UpstoxRedirectURI,
		APIBase:      cfg.UpstoxAPIBase,
	})
	session := auth.NewSession(tokens, client, lg)
	session.OnRefresh = func(trigger string, err error) {
		prom.TokenRefreshes.WithLabelValues(trigger, metrics.RefreshResult(err)).Inc()
	}
	session.OnSessionInvalid = func(reason string) {
		prom.SessionInvalid.Inc()
		alerter.SessionInvalid(reason)
	}

	authorizer := authorize.New(client, session, lg)
	authorizer.OnResult = func(result string) {
		prom.Authorizations.WithLabelValues(result).Inc()
	}

	// ---- Price store & primary stream ----
	store := pricestore.New(table, pricestore.Options{
		Logger: lg,
		Tokens: session,
		OnMerge: func(src model.Source, n int) {
			prom.MergesTotal.WithLabelValues(string(src)).Inc()
		},
		OnDrop: prom.SubscriberDrops.Inc,
	})
	defer store.Close()

	conn := stream.New(session, authorizer, table, store, stream.Hooks{
		OnStateChange: func(state model.ConnState, reason model.CloseReason) {
			prom.StreamState.Set(float64(state))
			health.SetStreamConnected(state == model.StateOpen)
		},
		OnReconnectScheduled: func(attempt int, delay time.Duration) {
			prom.ReconnectsScheduled.Inc()
			prom.ReconnectDelay.Observe(delay.Seconds())
		},
		OnLiveUnavailable: func() {
			prom.LiveUnavailable.Inc()
			alerter.LiveUnavailable()
		},
		OnTicks: func(n int) {
			prom.TicksTotal.WithLabelValues(string(model.SourceStream)).Add(float64(n))
		},
		OnDecodeError: prom.DecodeErrors.Inc,
		OnFlush: func(n int) {
			prom.FlushesTotal.WithLabelValues(string(model.SourceStream)).Inc()
			prom.FlushSize.Observe(float64(n))
		},
	}, stream.Options{Logger: lg})
	defer conn.Close()

	// ---- Crypto stream ----
	var cryptoStream *crypto.Stream
	if cfg.CryptoStreamEnabled && len(table.CryptoSymbols()) > 0 {
		cryptoStream = crypto.New(table, store, crypto.Hooks{
			OnOpen: func() {
				prom.CryptoConnected.Set(1)
				health.SetCryptoConnected(true)
			},
			OnClose: func(error) {
				prom.CryptoConnected.Set(0)
				health.SetCryptoConnected(false)
			},
			OnFlush: func(n int) {
				prom.TicksTotal.WithLabelValues(string(model.SourceCrypto)).Add(float64(n))
				prom.FlushesTotal.WithLabelValues(string(model.SourceCrypto)).Inc()
			},
		}, crypto.Options{Logger: lg})
		go cryptoStream.Run(ctx)
	}

	// ---- Fallback sampler ----
	var batch fallback.Fetcher
	if cfg.BatchAPIURL != "" {
		cb := breaker.New("batch_api", 3, 60*time.Second)
		cb.OnStateChange = func(name string, from, to breaker.State) {
			prom.BatchBreakerState.Set(float64(to))
			alerter.BreakerChanged(name, from.String(), to.String())
		}
		batch = fallback.NewBatchClient(fallback.BatchConfig{
			BaseURL: cfg.BatchAPIURL,
			MinGap:  cfg.FallbackInterval / 2,
			Breaker: cb,
		})
	} else {
		log.Println("[pricesync] BATCH_API_URL not set; fallback is simulation only")
	}

	samplerOpts := fallback.Options{Interval: cfg.FallbackInterval, Stream: conn, Logger: lg}
	if cryptoStream != nil {
		samplerOpts.Crypto = cryptoStream
	}
	sampler := fallback.New(table, batch, store, store, fallback.Hooks{
		OnBatch: func(result string, n int) {
			prom.BatchFetches.WithLabelValues(result).Inc()
		},
		OnSimulate: func(int) { prom.SimulationCycles.Inc() },
	}, samplerOpts)
	store.Attach(conn, sampler)
	go sampler.Run(ctx)

	// ---- Store observers: health, redis mirror ----
	var publisher *redisstore.Publisher
	if cfg.RedisPublish && rdb != nil {
		cb := breaker.New("redis_publish", 5, 10*time.Second)
		cb.OnStateChange = func(name string, from, to breaker.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == breaker.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			alerter.BreakerChanged(name, from.String(), to.String())
		}
		publisher = redisstore.NewPublisher(rdb, cb)
		publisher.OnError = prom.RedisPublishFailures.Inc
		publisher.OnFlush = func(n int) { prom.RedisCoalescedReplays.Add(float64(n)) }
	}
	go observeStore(ctx, store, health, prom, publisher)

	// ---- Session scheduler & first connect ----
	session.StartScheduler(ctx)
	defer session.StopScheduler()

	go func() {
		if store.Refresh(ctx) {
			log.Println("[pricesync] live stream connected")
		} else {
			log.Println("[pricesync] starting on fallback data; log in at /auth/login for the live feed")
		}
	}()

	// ---- Gateway ----
	hub := gateway.NewHub(store, lg)
	hub.OnClientCount = func(n int) { prom.GatewayClients.Set(float64(n)) }
	go hub.Run(ctx)

	deps := gateway.Deps{
		Hub:               hub,
		Prices:            store,
		Log:               lg,
		PostLoginRedirect: cfg.PostLoginRedirect,
		ProcessStart:      startedAt,
	}
	if cfg.HasCredentials() {
		deps.Auth = session
	}
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, deps)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[pricesync] gateway listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[pricesync] gateway server: %v", err)
		}
	}()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	// ---- Wait for shutdown ----
	<-ctx.Done()
	log.Println("[pricesync] shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	alerter.Wait()
	log.Println("[pricesync] stopped")
}

func loadSymbols(path string) (*symbols.Table, error) {
	if path == "" {
		return symbols.Default()
	}
	return symbols.LoadFile(path)
}

func buildNotifier(cfg *config.Config, lg *slog.Logger) notification.Notifier {
	multi := notification.Multi{notification.NewLogNotifier(lg)}
	if cfg.AlertWebhookURL != "" {
		host, _ := os.Hostname()
		multi = append(multi, notification.NewWebhookNotifier(cfg.AlertWebhookURL, "pricesync@"+host))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		multi = append(multi, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return multi
}

// observeStore follows every merge to keep health current and, when
// configured, mirror prices into redis.
func observeStore(ctx context.Context, store *pricestore.Store, health *metrics.HealthStatus, prom *metrics.Metrics, pub *redisstore.Publisher) {
	updates, cancel := store.Subscribe(1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			health.SetUsingLive(up.Live)
			health.SetLastTickTime(up.UpdatedAt)
			prom.LiveFlag.Set(metrics.BoolGauge(up.Live))
			if pub != nil {
				if err := pub.Publish(ctx, up.Ticks, up.Live); err != nil {
					slog.Warn("redis mirror publish failed", "seq", up.Seq, "error", err)
				}
			}
		}
	}
}
