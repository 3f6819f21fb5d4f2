// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mall/internal/pkg/nacos"
	"mall/internal/pkg/tracing"
)

type AppCtx struct {
	Mux *http.ServeMux
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx)              // 每个服务注册自己独特的 HTTP 路由
	Run              func(ctx context.Context) error  // 长期运行的后台任务（消费者等），ctx 取消即退出
	OnShutdown       func(ctx context.Context)        // 关停时的额外清理
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.With().Str("service", info.ServiceName).Logger()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 服务注册（可选）
	var namingClient *nacos.Client
	ip := ""
	if cfg.Infra.Nacos.Enabled {
		namingClient, err = nacos.NewClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = getOutboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. 创建并启动 HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		log.Info().Int("port", info.Port).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	// 4. 启动后台任务
	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	if info.Run != nil {
		go func() { runDone <- info.Run(runCtx) }()
	}

	// 5. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	runExited := false
	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-runDone:
		// Run 自行退出时 runDone 已被消费，后面不能再等一次
		runExited = true
		if err != nil {
			log.Error().Err(err).Msg("background runner exited with error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先停止消费，让在途消息处理完
	cancelRun()
	if info.Run != nil && !runExited {
		select {
		case <-runDone:
		case <-ctx.Done():
			log.Warn().Msg("background runner did not drain in time")
		}
	}

	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("error deregistering from nacos")
		}
	}

	if info.OnShutdown != nil {
		info.OnShutdown(ctx)
	}

	// 关闭 Tracer Provider，确保缓冲中的 trace 都被发送出去
	if err := tp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error shutting down tracer provider")
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error shutting down http server")
	}

	log.Info().Msg("service gracefully shut down")
}

// getOutboundIP 取本机对外 IP，用于服务注册。
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("failed to determine outbound ip: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
