package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/cutroom/internal/api"
	"github.com/user/cutroom/internal/assistant"
	"github.com/user/cutroom/internal/config"
	ctxengine "github.com/user/cutroom/internal/context"
	"github.com/user/cutroom/internal/state"
	"github.com/user/cutroom/internal/types"
	"github.com/user/cutroom/pkg/llm"
	"github.com/user/cutroom/pkg/llm/openai"
)

const pidFileName = "cutroom.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// conversationStore is a server-side conversation record that can also
// list and be closed.
type conversationStore interface {
	types.ConversationService
	state.Lister
	Close() error
}

type fileBackend struct{ *state.FileStore }

func (fileBackend) Close() error { return nil }

// openConversationStore opens the backend named by storage.driver.
func openConversationStore(cfg *config.Config) (conversationStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return state.NewSQLiteStore(filepath.Join(cfg.DataDir, "conversations.db"))
	default:
		return fileBackend{state.NewFileStore(filepath.Join(cfg.DataDir, "server"))}, nil
	}
}

// newAssistant builds the LLM-backed director and summarizer.
func newAssistant(cfg *config.Config, logger *slog.Logger) (*assistant.Assistant, error) {
	provider := llm.WithRetry(openai.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}), llm.DefaultRetryPolicy())
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	return assistant.New(provider, engine, logger, assistant.WithSummaryModel(cfg.LLM.SummaryModel)), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	store, err := openConversationStore(cfg)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	asst, err := newAssistant(cfg, logger)
	if err != nil {
		return err
	}

	var opts []api.ServerOption
	if cfg.Server.Token != "" {
		opts = append(opts, api.WithToken(cfg.Server.Token))
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewServer(store, asst, asst, logger, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("cutroom server started",
			"listen", cfg.Server.Listen,
			"storage", cfg.Storage.Driver,
			"llm_model", cfg.LLM.Model,
			"pid_file", pidPath,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, restarting")
				cancel()
				if err := g.Wait(); err != nil {
					logger.Error("shutdown before restart failed", "error", err)
				}
				store.Close()
				os.Remove(pidPath)
				execPath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("find executable: %w", err)
				}
				return syscall.Exec(execPath, os.Args, os.Environ())
			}
			logger.Info("shutting down", "signal", sig)
			cancel()
			return g.Wait()
		}
	}
}
