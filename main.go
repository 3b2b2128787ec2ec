package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"VeChat/global/config"
	"VeChat/logger"
	mid "VeChat/middleware"
	"VeChat/module/chat/directory"
	"VeChat/module/chat/handler"
	"VeChat/module/chat/store"
	"VeChat/service/chat"
	"VeChat/service/metrics"
	"VeChat/service/storage"
	"VeChat/tools/security"
)

func main() {
	path := flag.String("config", os.Getenv("VECHAT_CONFIG"), "yaml config file")
	flag.Parse()

	if err := config.Init(*path); err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Errorf("vechat exited: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Global
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// 1) 持久化
	st, closeStore, err := buildStore(ctx)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	rdb, err := config.ConfigRedis()
	if err != nil {
		return err
	}
	if rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
	}
	presence, dir := buildPresence(st, rdb)

	conf := chat.HubConf{
		Store:     st,
		Presence:  presence,
		Directory: dir,
		Registry: chat.RegistryConf{
			StaleAfter:     cfg.Registry.StaleAfter,
			SweepEvery:     cfg.Registry.SweepEvery,
			MaxPerIdentity: cfg.Registry.MaxPerIdentity,
		},
	}

	// 2) 可选的事件日志与跨实例总线
	events, err := config.ConfigKafka()
	if err != nil {
		return err
	}
	if events != nil {
		conf.Events = events
		closers = append(closers, func() { _ = events.Close() })
	}
	bus, err := config.ConfigNats(ctx)
	if err != nil {
		return err
	}
	if bus != nil {
		conf.Bus = bus
	}

	hub, err := chat.NewHub(conf)
	if err != nil {
		return err
	}
	if err := hub.Start(); err != nil {
		return err
	}
	closers = append(closers, hub.Close)

	// 3) 远程配置与服务注册
	mid.Manager().Set("origin", mid.Origin(cfg.AllowedOrigins))
	if err := config.ConfigNacos(ctx, func(rt config.Runtime) {
		hub.Registry().SetTimings(rt.Registry.StaleAfter, rt.Registry.SweepEvery)
		if rt.AllowedOrigins != nil {
			mid.Manager().Set("origin", mid.Origin(rt.AllowedOrigins))
		}
		stale, every := hub.Registry().Timings()
		logger.Infof("[nacos] registry timings stale=%s sweep=%s", stale, every)
	}); err != nil {
		logger.Warnf("[nacos] watch disabled: %v", err)
	}
	if reg, err := config.RegisterNacos(localIP()); err != nil {
		logger.Warnf("[nacos] register disabled: %v", err)
	} else if reg != nil {
		closers = append(closers, func() { _ = reg.Deregister() })
	}

	// 4) gRPC 健康检查
	gs := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("vechat", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GrpcPort))
	if err != nil {
		return err
	}
	go func() {
		logger.Infof("[gRPC] Listening on :%d", cfg.GrpcPort)
		if err := gs.Serve(lis); err != nil {
			logger.Errorf("[gRPC] serve: %v", err)
		}
	}()
	closers = append(closers, func() {
		healthServer.Shutdown()
		gs.GracefulStop()
	})

	// 5) HTTP + WebSocket
	validator := security.NewJWTValidator(config.JWTOptions())
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware(), mid.Manager().Use())

	ws := chat.NewWSServer(hub, validator, chat.WithSendQueue(cfg.Registry.SendQueue))
	r.GET("/vechat", ws.HandleWS)
	handler.NewAPI(hub).Register(r, validator)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": cfg.NodeName, "connections": hub.Registry().Stats()})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	httpLis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return err
	}
	if cfg.MaxConns > 0 {
		// websocket 是长连接，超出上限的握手在 accept 处排队
		httpLis = netutil.LimitListener(httpLis, cfg.MaxConns)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[HTTP] Listening on :%d maxConns=%d", cfg.Port, cfg.MaxConns)
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildStore 按 store.driver 选择实现，并建好索引或表
func buildStore(ctx context.Context) (store.Store, func(), error) {
	switch config.Global.Store.Driver {
	case config.StoreMongo:
		conn, err := config.ConfigMgo(ctx)
		if err != nil {
			return nil, nil, err
		}
		closeConn := func() { _ = conn.Close(context.Background()) }
		s := store.NewMongo(conn.DB())
		if err := s.EnsureIndexes(ctx); err != nil {
			closeConn()
			return nil, nil, err
		}
		logger.Infof("[store] mongo database=%s", conn.DB().Name())
		return s, closeConn, nil
	case config.StorePostgres:
		pool, err := config.ConfigPostgres(ctx)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewPostgres(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Infof("[store] postgres")
		return s, pool.Close, nil
	default:
		logger.Infof("[store] memory")
		return store.NewMemory(), func() {}, nil
	}
}

// buildPresence 有 redis 时在线状态与通讯录都走 redis，通讯录未命中再查本进程记住的身份
func buildPresence(st store.Store, rdb *goredis.Client) (store.PresenceStore, directory.Directory) {
	seen := directory.NewMemory()
	if rdb != nil {
		return storage.NewRedisPresenceStore(rdb, 0), directory.Fallback{Primary: directory.NewRedis(rdb), Secondary: seen}
	}
	if ps, ok := st.(store.PresenceStore); ok {
		return ps, seen
	}
	return store.NewMemory(), seen
}

func localIP() string {
	if ip := os.Getenv("VECHAT_ADVERTISE_IP"); ip != "" {
		return ip
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}
