package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go.quarry.dev/quarry/pkg/config"
	"go.quarry.dev/quarry/pkg/proto"
	"go.quarry.dev/quarry/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a status/login server endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogger(cfg.Debug); err != nil {
			return err
		}
		if err := config.Validate(&cfg, true, false); err != nil {
			return err
		}

		favicon, err := loadFavicon(cfg.Server.FaviconPath)
		if err != nil {
			return fmt.Errorf("quarryctl: loading favicon: %w", err)
		}

		f, err := server.NewFactory(server.Config{
			ListenAddr: cfg.Server.ListenAddr,
			OnlineMode: cfg.Server.OnlineMode,
			Status: server.StatusConfig{
				MOTD:            cfg.Server.MOTD,
				FaviconBase64:   favicon,
				MaxPlayers:      cfg.Server.MaxPlayers,
				VersionName:     cfg.Server.VersionName,
				ProtocolVersion: proto.Protocol(cfg.Server.ProtocolVersion),
			},
			Compression: server.CompressionConfig{
				Enabled:   cfg.Server.CompressionEnabled,
				Threshold: cfg.Server.CompressionThreshold,
			},
			IdleTimeout: cfg.Server.IdleTimeout,
			ConnRate:    rate.Limit(cfg.Server.ConnRate),
			ConnBurst:   cfg.Server.ConnBurst,
		})
		if err != nil {
			return fmt.Errorf("quarryctl: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		go func() {
			s := <-sig
			zap.S().Infof("quarryctl: received %s, shutting down", s)
			_ = f.Close()
			cancel()
		}()
		defer func() { signal.Stop(sig); close(sig) }()

		return f.Serve(ctx)
	},
}

func loadFavicon(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(b), nil
}
