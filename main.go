// Command snipdex runs a snipdex peer: a federated web search node
// that answers queries from its own cache, its configured sources,
// and the peers it learned about from its mother.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djoerd/snipdex/cache"
	"github.com/djoerd/snipdex/config"
	"github.com/djoerd/snipdex/fanout"
	"github.com/djoerd/snipdex/server"
	"github.com/djoerd/snipdex/snipdex"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	port := flag.Int("p", 0, "port the peer runs on")
	motherHost := flag.String("t", "", "server name or IP number of the mother peer")
	motherPort := flag.Int("u", 0, "port the mother peer runs on")
	cacheFile := flag.String("c", "", "file that holds the cached search results")
	webRoot := flag.String("l", "", "path with the web data for the HTML interface")
	webMode := flag.String("w", "", "web interface exposure: disabled, private or public")
	debug := flag.Bool("d", false, "show debug messages")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *motherHost != "" {
		cfg.Mother.Host = *motherHost
	}
	if *motherPort != 0 {
		cfg.Mother.Port = *motherPort
	}
	if *cacheFile != "" {
		cfg.Cache.File = *cacheFile
	}
	if *webRoot != "" {
		cfg.Web.Root = *webRoot
	}
	if *webMode != "" {
		cfg.Web.Mode = *webMode
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.Mother.Host == "localhost" {
		cfg.Mother.Host = "127.0.0.1"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("snipdex peer", "version", snipdex.ResponseVersion, "config", cfg.String())

	c, err := cache.Open(cfg.Cache.File, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	engine := fanout.New(c, cfg.Server.Port, nil, logger)
	if err := engine.SeedPeers(configuredPeers(cfg)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Register(ctx, cfg.Mother.Host, cfg.Mother.Port); err != nil {
		if errors.Is(err, fanout.ErrBootstrap) {
			return fmt.Errorf("cannot reach mother peer %s:%d and no cached registration: %w",
				cfg.Mother.Host, cfg.Mother.Port, err)
		}
		return err
	}

	srv := server.New(cfg, engine, logger)
	errc := make(chan error, 1)
	go func() {
		logger.Info("search page", "url", fmt.Sprintf("http://127.0.0.1:%d/snipdex/", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("snipdex already running? %w", err)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("okay, exiting")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.FindConfig()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func configuredPeers(cfg *config.Config) []*snipdex.Peer {
	peers := make([]*snipdex.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, p.Peer())
	}
	return peers
}
