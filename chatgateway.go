package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatcore/global"
	"chatcore/logger"
	mid "chatcore/middleware"
	"chatcore/module/user"
	"chatcore/service/chat"
	"chatcore/service/chat/handlers"
	"chatcore/tools/security"
)

func main() {
	cfg, err := global.LoadConfig()
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	if err := logger.Setup(cfg.LogFormat, cfg.LogLevel, nil); err != nil {
		logger.Warn("keeping default logger", zap.Error(err))
	}
	log := logger.Named("gateway")

	ctx := context.Background()

	// 1) storage
	store, err := global.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal("open store failed", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}

	// 2) optional presence mirror and event bus
	rdb, presenceCache, err := global.ConfigRedis(ctx, cfg, log)
	if err != nil {
		log.Fatal("connect redis failed", zap.Error(err))
	}
	nc, publisher, err := global.ConfigNats(cfg, log)
	if err != nil {
		log.Fatal("connect nats failed", zap.Error(err))
	}

	// 3) chat server
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	verifier := security.NewVerifier(cfg.JWTOptions())
	chatCfg := chat.Config{
		Options:  cfg.ChatOptions(),
		Store:    store,
		Verifier: verifier,
		Metrics:  chat.NewMetrics(reg),
		Log:      logger.Named("chat"),
	}
	deps := handlers.Deps{Store: store, Log: logger.Named("handlers")}
	if presenceCache != nil {
		chatCfg.Mirror = presenceCache
	}
	if publisher != nil {
		chatCfg.Publisher = publisher
		deps.Publisher = publisher
	}
	srv := chat.NewServer(chatCfg)
	deps.Fanout = srv.Fanout()
	handlers.Register(srv.Disp(), deps)

	// 4) HTTP + WebSocket
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	mid.Default(logger.Named("http")).Apply(r)

	r.GET("/ws", srv.HandleWS)
	r.GET("/misc/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	user.NewHandler(store, verifier, user.Options{
		CookieName:   cfg.CookieName,
		CookieSecure: cfg.CookieSecure,
	}, logger.Named("user")).Routes(r)

	logger.Debug("routes mounted", zap.Int("count", len(r.Routes())))

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("http listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 5) graceful shutdown: listener, then sessions, then backends
	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"gateway": func(ctx context.Context) error {
			if err := httpSrv.Shutdown(ctx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn("sessions still open at shutdown", zap.Error(err))
			}
			var errs []error
			if nc != nil {
				errs = append(errs, nc.Close())
			}
			if rdb != nil {
				errs = append(errs, rdb.Close())
			}
			errs = append(errs, store.Close())
			if err := errors.Join(errs...); err != nil {
				logger.Error("close backends failed", zap.Error(err))
				return err
			}
			return nil
		},
	})
	code := <-wait
	logger.Info("gateway exited", zap.Int("code", code))
	logger.Sync()
	os.Exit(code)
}
