package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type server struct {
	http *http.Server
	log  *zap.Logger
}

func handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
	return mux
}

func newServer(addr string, log *zap.Logger) *server {
	return &server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

func (s *server) serve() {
	s.log.Info("serving metrics", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("metrics server failed", zap.Error(err))
	}
}

func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("metrics server shutdown", zap.Error(err))
	}
}
