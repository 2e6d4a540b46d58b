// Command anonamoose is a PII-redacting interception proxy for LLM HTTP
// APIs.
//
// It sits between an application and the OpenAI / Anthropic chat APIs,
// strips personally identifiable information from outbound prompts, forwards
// only sanitized content, and substitutes the original values back into the
// model's output — streaming responses included. The same redaction and
// rehydration primitives are exposed directly under /api/v1.
//
// Usage:
//
//	# defaults: port 3000, ./data/anonamoose.db
//	./anonamoose
//
//	# custom port, management token, NER sidecar
//	PORT=8080 API_TOKEN=secret NER_URL=http://ner:8090 ./anonamoose
//
//	# optional JSON config file (env still wins)
//	./anonamoose -config anonamoose.json
//
// Upstream (corporate) proxy chaining is automatic: Go's net/http reads
// HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"anonamoose/internal/config"
	"anonamoose/internal/dictionary"
	"anonamoose/internal/management"
	"anonamoose/internal/metrics"
	"anonamoose/internal/names"
	"anonamoose/internal/ner"
	"anonamoose/internal/pipeline"
	"anonamoose/internal/proxy"
	"anonamoose/internal/ring"
	"anonamoose/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional JSON config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := config.Load(*configPath)
	if cfg.MgmtPort != 0 {
		logger.Warn("MGMT_PORT is deprecated; the management surface binds on PORT",
			zap.Int("mgmtPort", cfg.MgmtPort), zap.Int("port", cfg.Port))
	}
	if cfg.APIToken == "" {
		logger.Warn("API_TOKEN not set; management routes will answer 401")
	}

	st, err := store.Open(cfg.DBPath, logger.Named("store"))
	if err != nil {
		logger.Fatal("open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer st.Close() //nolint:errcheck

	dict, err := dictionary.New(st, logger.Named("dictionary"))
	if err != nil {
		logger.Fatal("load dictionary", zap.Error(err))
	}

	classifier := ner.NewHTTPClassifier(cfg.NERURL, cfg.NERModelCache)
	entities := ner.New(classifier, st, cfg.NERCacheSize, logger.Named("ner"))
	defer entities.Close() //nolint:errcheck

	people := names.New(0)

	pipe := pipeline.New(st, dict, entities, people,
		time.Duration(cfg.SessionTTL)*time.Second, logger.Named("pipeline"))

	m := metrics.New()
	requests := ring.NewRequestLog()
	redactions := ring.NewRedactionLog()

	proxySrv := proxy.New(cfg, pipe, st, m, requests, redactions, logger.Named("proxy"))
	mgmtSrv := management.New(cfg, st, dict, entities, m, requests, redactions,
		proxySrv.SessionCount, logger.Named("management"))

	e := newEcho(cfg, m, logger)
	proxySrv.Register(e)
	mgmtSrv.Register(e)

	sched := newScheduler(st, proxySrv, redactions, logger)
	sched.Start()

	printBanner(cfg)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failure", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	<-sched.Stop().Done()
	logger.Info("shut down cleanly")
}

// newEcho builds the shared HTTP instance: recovery, one structured log
// line per request, CORS, the 1 MiB body ceiling and the per-IP rate limit.
func newEcho(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.String("ip", v.RemoteIP),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.CORSOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderContentType, echo.HeaderAuthorization,
			proxy.HeaderSession, proxy.HeaderRedact, proxy.HeaderHydrate,
		},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		// 120 requests per 60 seconds per source address.
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(2),
			Burst:     120,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			m.RequestsRateLimited.Add(1)
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	}))
	return e
}

// newScheduler wires the background cadences: expired-session rows every
// minute, idle in-memory token maps every five, redaction-ring aging every
// minute.
func newScheduler(st *store.Store, proxySrv *proxy.Server, redactions *ring.RedactionLog, logger *zap.Logger) *cron.Cron {
	sched := cron.New()
	sweep := logger.Named("sweep")
	_, _ = sched.AddFunc("@every 1m", func() {
		if _, err := st.SweepExpired(); err != nil {
			sweep.Warn("session sweep failed", zap.Error(err))
		}
	})
	_, _ = sched.AddFunc("@every 5m", func() {
		if n := proxySrv.SweepSessions(); n > 0 {
			sweep.Debug("evicted idle session maps", zap.Int("count", n))
		}
	})
	_, _ = sched.AddFunc("@every 1m", func() {
		redactions.Len() // Len expires aged entries as a side effect
	})
	return sched
}

func printBanner(cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct)"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║                   anonamoose                         ║
║     PII-redacting proxy for LLM APIs  (Go)           ║
╚══════════════════════════════════════════════════════╝
  Port            : %d
  Database        : %s
  NER endpoint    : %s
  Upstream proxy  : %s

  Point OpenAI clients at    http://localhost:%d/v1
  Point Anthropic clients at http://localhost:%d

  Check health:
    curl http://localhost:%d/health
`, cfg.Port, cfg.DBPath, cfg.NERURL, upstreamProxy,
		cfg.Port, cfg.Port, cfg.Port)
}
