package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/quillblog/quill/config"
	"github.com/quillblog/quill/post"
	"github.com/quillblog/quill/renderer"
	"github.com/quillblog/quill/server"
	"github.com/quillblog/quill/templatex"
)

func main() {
	configPath := flag.String("config", "./config.json", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(SERVER_SIGNATURE)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting", "server", SERVER_NAME, "version", SERVER_VERSION, "commit", GIT_COMMIT)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	md := renderer.New(cfg.Render)
	store := post.NewFileStore(cfg.Posts.Dir, md, cfg.Render.Minify)
	renderHash := post.RenderOptionsHash(cfg.Render)
	codec := post.NewCodec(cfg.Cache.Compress, cfg.Cache.CompressionLevel)

	manager := post.NewManager(store, codec, cfg.Cache.TTL(), renderHash, logger)
	if !cfg.Cache.Enable {
		manager.DisableCaching()
	}
	if cfg.Cache.Enable && cfg.Cache.Persist {
		if err := manager.LoadFromDisk(cfg.Cache.File); err != nil {
			logger.Warn("cache image not restored", "file", cfg.Cache.File, "error", err)
		} else if n := manager.Len(); n > 0 {
			logger.Info("cache image restored", "file", cfg.Cache.File, "entries", n)
		}
	}

	registry, err := templatex.New(cfg.Templates.CustomDir, logger)
	if err != nil {
		return fmt.Errorf("template registry: %w", err)
	}

	srv := server.New(cfg, manager, registry, logger, SERVER_SIGNATURE)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(ctx)
	})

	if cfg.Cache.Enable {
		sweeper := post.NewSweeper(manager, cfg.Cache.SweepInterval(), logger)
		group.Go(func() error {
			return sweeper.Run(ctx)
		})
	}

	if cfg.Templates.CustomDir != "" {
		watcher := templatex.NewWatcher(registry, templatex.DefaultDebounce, logger)
		group.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	err = group.Wait()

	if cfg.Cache.Enable && cfg.Cache.Persist {
		if saveErr := manager.SaveToDisk(cfg.Cache.File); saveErr != nil {
			logger.Error("cache image not saved", "file", cfg.Cache.File, "error", saveErr)
		} else {
			logger.Info("cache image saved", "file", cfg.Cache.File, "entries", manager.Len())
		}
	}

	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
