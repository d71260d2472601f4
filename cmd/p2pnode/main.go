package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/config"
	"github.com/execution-hub/channel-hub/internal/node"
	p2papi "github.com/execution-hub/channel-hub/internal/p2p/api"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHANNEL_HUB_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := node.Build(ctx, cfg, reg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node")
	}
	defer func() {
		if err := rt.Node.Close(); err != nil {
			logger.Error().Err(err).Msg("close node")
		}
	}()

	rt.Node.Start(ctx)

	apiServer := p2papi.NewServer(rt, reg)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("identity", rt.Node.Identity()).
			Str("store", cfg.Store.Kind).
			Str("transport", cfg.Transport.Kind).
			Msg("channel hub listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	if rt.Raft != nil {
		raftCfg := cfg.Store.Raft
		if !raftCfg.Bootstrap && raftCfg.JoinEndpoint != "" {
			if err := joinCluster(ctx, raftCfg, 30, time.Second); err != nil {
				logger.Warn().Err(err).Str("endpoint", raftCfg.JoinEndpoint).Msg("join cluster failed")
			} else {
				logger.Info().Str("endpoint", raftCfg.JoinEndpoint).Msg("joined cluster")
			}
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		leader, err := rt.Raft.WaitForLeader(waitCtx, 150*time.Millisecond)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("no raft leader yet")
		} else {
			logger.Info().Str("leader", leader).Msg("raft leader elected")
		}
	}

	if cfg.SyncInterval > 0 {
		scheduler, err := node.NewSyncScheduler(rt.Node, cfg.SyncInterval, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("sync scheduler")
		}
		scheduler.Start()
		defer func() { _ = scheduler.Stop() }()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func joinCluster(ctx context.Context, cfg config.RaftConfig, retries int, delay time.Duration) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": cfg.Addr,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("join returned status %d", resp.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
