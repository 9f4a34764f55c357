package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	commonlog "gigsync/server/common/log"
	sessionapp "gigsync/server/session/app"
)

func main() {
	cfg := sessionapp.LoadConfig()
	sessionServer, err := sessionapp.NewServer(cfg)
	if err != nil {
		log.Fatalf("initialize session server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		commonlog.Infof("start session http server on :%s", cfg.Port)
		if err := sessionServer.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("run session http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sessionServer.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown session server gracefully: %v", err)
	}
}
