package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/icws/gateway/internal/config"
	"github.com/icws/gateway/internal/gateway"
	"github.com/icws/gateway/internal/logger"
	"github.com/icws/gateway/internal/tracing"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath   string
		gatewayAddr  string
		subnetURL    string
		pollInterval time.Duration
		tlsCertPath  string
		tlsKeyPath   string
		redisAddr    string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "configuration file path")
	flag.StringVar(&gatewayAddr, "gateway-address", "", "override server.listen_addr")
	flag.StringVar(&subnetURL, "subnet-url", "", "override subnet.url")
	flag.DurationVar(&pollInterval, "polling-interval", 0, "override polling.interval")
	flag.StringVar(&tlsCertPath, "tls-certificate-pem-path", "", "override server.tls_certificate_pem_path")
	flag.StringVar(&tlsKeyPath, "tls-certificate-key-pem-path", "", "override server.tls_certificate_key_pem_path")
	flag.StringVar(&redisAddr, "redis-addr", "", "override redis.addr")
	flag.Parse()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("failed to load configuration", zap.Error(err))
	}

	if gatewayAddr != "" {
		cfg.Server.ListenAddr = gatewayAddr
	}
	if subnetURL != "" {
		cfg.Subnet.URL = subnetURL
	}
	if pollInterval != 0 {
		cfg.Polling.Interval = pollInterval
	}
	if tlsCertPath != "" {
		cfg.Server.TLSCertificatePEMPath = tlsCertPath
	}
	if tlsKeyPath != "" {
		cfg.Server.TLSCertificateKeyPEMPath = tlsKeyPath
	}
	if redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.L.Fatal("invalid configuration after flag overrides", zap.Error(err))
	}

	if cfg.Server.GatewayPrincipal == "" {
		hostname, _ := os.Hostname()
		cfg.Server.GatewayPrincipal = hostname
		logger.L.Info("server.gateway_principal not set, using hostname",
			zap.String("hostname", hostname),
		)
	}

	if cfg.Tracing.OTLPEndpoint != "" {
		if err := tracing.Init("ic-gateway", version, cfg.Tracing.OTLPEndpoint); err != nil {
			logger.L.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("tracing initialized", zap.String("endpoint", cfg.Tracing.OTLPEndpoint))
		}
	}

	gw, err := gateway.New(cfg, cfg.Server.GatewayPrincipal)
	if err != nil {
		logger.L.Fatal("failed to create gateway", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		logger.L.Fatal("failed to start gateway", zap.Error(err))
	}

	logger.L.Info("IC gateway started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("gateway_principal", cfg.Server.GatewayPrincipal),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("subnet_url", cfg.Subnet.URL),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.L.Info("received SIGHUP, reloading configuration", zap.String("path", configPath))
			if err := gw.Reload(configPath); err != nil {
				logger.L.Warn("configuration reload failed, keeping previous configuration", zap.Error(err))
			} else {
				logger.L.Info("configuration reloaded")
			}
			continue
		}
		break
	}

	logger.L.Info("received stop signal, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("error during gateway shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("IC gateway closed")
}
