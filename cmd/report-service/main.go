package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aquaguardian/config"
	"aquaguardian/handlers"
	"aquaguardian/metrics"
	"aquaguardian/service"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Register()

	svc, err := service.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(cfg, svc),
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting submissions before draining the background work they schedule.
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := svc.Stop(); err != nil {
		log.Errorf("Error stopping service: %v", err)
	}
	log.Info("Server exited")
}

func setupRouter(cfg *config.Config, svc *service.Service) *gin.Engine {
	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		AllowOrigins: []string{"*"},
		MaxAge:       12 * time.Hour,
	}))

	handlers.RegisterRoutes(router, svc.GetHandlers(), handlers.RouteOptions{
		SubmitRateLimit:    cfg.SubmitRateLimit,
		SubmitRateWindow:   cfg.SubmitRateWindow,
		InternalAdminToken: cfg.InternalAdminToken,
		MaxImageBytes:      cfg.MaxImageBytes,
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
