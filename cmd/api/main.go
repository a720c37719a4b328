package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"editorial/api/internal/app"
	"editorial/api/internal/archive"
	"editorial/api/internal/boards"
	"editorial/api/internal/config"
	"editorial/api/internal/gitrepo"
	"editorial/api/internal/guard"
	"editorial/api/internal/logging"
	"editorial/api/internal/search"
	"editorial/api/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "api",
		Short:         "Editorial review API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCmd(), migrateCmd(), seedBoardsCmd())
	return root
}

// runtime is what every subcommand needs before it can do work.
type runtime struct {
	cfg config.Config
	log *logrus.Logger
	db  *sql.DB
}

func setup(ctx context.Context, migrate bool) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	return &runtime{cfg: cfg, log: logger, db: db}, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.db.Close()
			rt.log.Info("migrations up to date")
			return nil
		},
	}
}

func seedBoardsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-boards",
		Short: "Load review boards from a YAML file, replacing decrees and members",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.db.Close()
			if file == "" {
				file = rt.cfg.BoardsFile
			}
			items, err := boards.LoadFile(file)
			if err != nil {
				return err
			}
			return boards.NewRegistry(store.NewPostgresStore(rt.db), rt.log).Seed(cmd.Context(), items)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "boards file (defaults to EDITORIAL_BOARDS_FILE)")
	return cmd
}

// syncBoards applies the boards file without touching memberships of boards
// that already exist.
func syncBoards(ctx context.Context, registry *boards.Registry, file string) error {
	items, err := boards.LoadFile(file)
	if err != nil {
		return err
	}
	return registry.Sync(ctx, items)
}

func serveCmd() *cobra.Command {
	var skipSeed bool
	var reindex bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.db.Close()
			return serve(ctx, rt, !skipSeed, reindex)
		},
	}
	cmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "do not apply the boards file on startup")
	cmd.Flags().BoolVar(&reindex, "reindex", false, "push every publication and comment into Meilisearch on startup")
	return cmd
}

func serve(ctx context.Context, rt *runtime, seed, reindex bool) error {
	cfg := rt.cfg
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(rt.db)
	gitService := gitrepo.New(cfg.ReposDir)

	var submitGuard guard.Guard
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisGuard, err := guard.NewRedisGuard(cfg.RedisURL, cfg.SubmitLockTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisGuard.Close()
		submitGuard = redisGuard
		rt.log.Info("using redis for submit guards")
	} else {
		submitGuard = guard.NewLocalGuard()
		rt.log.Warn("REDIS_URL not set; submit guards are process-local")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, rt.log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(rt.db), rt.log)

	service := app.New(cfg, dataStore, gitService, submitGuard, searchService, rt.log)
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		editions, err := archive.New(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveSecure, rt.log)
		if err != nil {
			return err
		}
		if err := editions.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("archive bucket: %w", err)
		}
		service.UseArchive(editions)
		rt.log.WithField("bucket", cfg.ArchiveBucket).Info("archiving published editions")
	}
	if seed {
		if err := syncBoards(ctx, service.Boards(), cfg.BoardsFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("seed boards: %w", err)
			}
			rt.log.WithField("file", cfg.BoardsFile).Warn("boards file not found; keeping stored boards")
		}
	}
	if reindex {
		go searchService.ReindexAllFromPG(context.Background())
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, rt.log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.WithField("addr", cfg.Addr).Info("editorial API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.log.WithError(err).Error("shutdown error")
	}
	return nil
}
