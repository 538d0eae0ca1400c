package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"moviegate/internal/cart"
	"moviegate/internal/catalog"
	"moviegate/internal/config"
	"moviegate/internal/dedup"
	"moviegate/internal/gateway"
	"moviegate/internal/grant"
	"moviegate/internal/httpapi"
	"moviegate/internal/messaging"
	"moviegate/internal/notify"
	"moviegate/internal/order"
	"moviegate/internal/reconcile"
	"moviegate/internal/storage"
	"moviegate/internal/websocket"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	rdb       *redis.Client
	publisher messaging.Publisher
	wsHub     *websocket.Hub
	engine    *reconcile.Engine
	outbox    *messaging.OutboxDispatcher
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		store.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.NotifyExchange)
	if err != nil {
		rdb.Close()
		store.Close()
		return nil, err
	}

	wsHub := websocket.NewHub()
	ledger := order.NewLedger(store.Pool(), wsHub, logger)
	cat := catalog.NewService(store.Pool())
	grants := grant.NewStore(store.Pool())
	carts := cart.NewService(store.Pool(), cat, grants)
	gw := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecret, cfg.GatewayTimeout, cfg.GatewayMaxAttempts, logger)
	window := dedup.NewWindow(rdb, cfg.DedupWindow)
	notifier := notify.NewNotifier(store.Pool())

	engine := reconcile.New(ledger, grants, gw, notifier, window, logger)

	api := httpapi.NewServer(carts, ledger, engine, gw, grants, cfg.AdminKey, logger)
	wsHandler := websocket.NewHandler(wsHub, ledger, logger)
	api.HandleFunc("GET /orders/{orderID}/ws", wsHandler.ServeWS)

	outbox := messaging.NewOutboxDispatcher(store.Pool(), publisher, cfg.OutboxInterval, cfg.OutboxBatchSize, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		rdb:       rdb,
		publisher: publisher,
		wsHub:     wsHub,
		engine:    engine,
		outbox:    outbox,
		httpSrv:   &http.Server{Addr: cfg.HTTPAddr, Handler: api},
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.wsHub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return a.outbox.Run(ctx)
	})

	g.Go(func() error {
		return a.engine.RunSweeper(ctx, a.cfg.SweepInterval, a.cfg.SweepBatchSize, a.cfg.GrantAlertAfter)
	})

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
		defer cancel()
		_ = a.httpSrv.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

func (a *App) Close() {
	a.publisher.Close()
	a.rdb.Close()
	a.store.Close()
}

func Run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close()

	return app.Run(ctx)
}
