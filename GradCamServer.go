package main

import (
	adhoc "GradCamServer/Adhoc"
	"GradCamServer/api"
	"GradCamServer/config"
	"GradCamServer/engine"
	backend "GradCamServer/gRPC"
	iface "GradCamServer/interface"
	"GradCamServer/logger"
	"GradCamServer/monitor"
	"GradCamServer/overlay"
	"GradCamServer/pipeline"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel, logger.FileConfig{Path: cfg.LogFile}); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if cfg.LogLevel != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	CPUNum := runtime.NumCPU()
	logger.Log().Info("starting GradCamServer",
		zap.Int("cpu", CPUNum),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.Int("monitorPort", cfg.MonitorPort),
		zap.Int("workersNum", cfg.WorkersNum))
	if cfg.WorkersNum > CPUNum {
		logger.Log().Warn("workersNum exceeds CPU cores, which may lead to performance degradation")
	}

	mapping, err := cfg.Mapping()
	if err != nil {
		logger.Fatal("invalid label mapping", zap.Error(err))
	}

	classifier := engine.NewClassifier()
	engineCfg := iface.EngineConfig{
		ModelPath:      cfg.ModelPath,
		MetadataPath:   cfg.MetadataPath,
		LibraryDir:     cfg.LibraryDir,
		LibraryName:    cfg.LibraryName,
		IntraOpThreads: cfg.IntraOpThreads,
	}
	if cfg.LayerName != "" {
		engineCfg.Layers = []string{cfg.LayerName}
	}
	if err := classifier.LoadModel(engineCfg); err != nil {
		// keep serving: liveness stays up and /predict answers Model not available
		logger.Log().Error("model not loaded", zap.String("modelPath", cfg.ModelPath), zap.Error(err))
	}
	monitor.SetModelLoaded(classifier.Ready())

	layer := cfg.LayerName
	if layer == "" {
		if layers := classifier.CheckConfig().Layers; len(layers) > 0 {
			layer = layers[0]
		}
	}
	p := pipeline.New(classifier, mapping, pipeline.Options{
		Layer:     layer,
		InputSize: cfg.InputSize,
		Renderer:  overlay.NewRenderer(cfg.InputSize, cfg.BlendAlpha),
	})
	dispatcher := pipeline.NewDispatcher(p, cfg.WorkersNum)
	dispatcher.StartWorker(cfg.WorkersNum)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(dispatcher, cfg.MaxUploadMB),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var rpcServer *grpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = backend.StartGRPCServer(cfg.RPCPort, cfg.MaxUploadMB, dispatcher)
		if err != nil {
			logger.Log().Error("gRPC server not started", zap.Error(err))
		}
	}

	if cfg.MonitorPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.StartMon(cfg.MonitorPort, ctx)
		}()
	}

	if cfg.UseRegServer {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Warn("failed to get outbound IP", zap.Error(err))
		}
		class, ok := adhoc.ParseInstanceClass(cfg.InstanceClass)
		if !ok {
			logger.Log().Warn("invalid instanceClass in config, defaulting to Cpu", zap.String("instanceClass", cfg.InstanceClass))
		}
		reg := adhoc.RegServerConfig{}
		reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
		wg.Add(1)
		go adhoc.SendAliveMessage(reg, adhoc.Instance{
			IP:            ip,
			RPCPort:       cfg.RPCPort,
			HTTPPort:      cfg.HTTPPort,
			InstanceClass: class,
			ModelLoaded:   classifier.Ready,
		}, ctx, &wg)
	} else {
		logger.Log().Info("UseRegServer is set to false, skipping registration")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Log().Info("shutting down", zap.String("signal", s.String()))
	case err := <-serveErr:
		logger.Log().Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("HTTP server Shutdown error", zap.Error(err))
	}
	if rpcServer != nil {
		rpcServer.GracefulStop()
	}
	cancel()
	wg.Wait()
	dispatcher.Close()
	classifier.Destroy()
	engine.Shutdown()
	monitor.SetModelLoaded(false)
	logger.Log().Info("Safely exited")
}
