package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/cutroom/internal/api"
	"github.com/user/cutroom/internal/compaction"
	"github.com/user/cutroom/internal/config"
	"github.com/user/cutroom/internal/director"
	"github.com/user/cutroom/internal/inbox"
	"github.com/user/cutroom/internal/reconcile"
	"github.com/user/cutroom/internal/session"
	"github.com/user/cutroom/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().Int64("project", 0, "project ID")
	chatCmd.Flags().Bool("local", false, "run storage and the director in-process instead of using the server")
	chatCmd.Flags().String("title", "", "project title, used in the welcome message and the project snapshot")
	chatCmd.Flags().String("target-model", "", "image model the director writes prompts for")
	chatCmd.MarkFlagRequired("project")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the creative director about a project",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// backends are the three remote collaborators of a chat.
type backends struct {
	conversations types.ConversationService
	director      types.Director
	summarizer    types.Summarizer
	close         func() error
}

func openBackends(ctx context.Context, cfg *config.Config, local bool, logger *slog.Logger) (*backends, error) {
	if !local {
		var opts []api.ClientOption
		if cfg.Server.Token != "" {
			opts = append(opts, api.WithBearerToken(cfg.Server.Token))
		}
		client := api.NewClient(cfg.Server.URL, nil, opts...)
		if err := client.Health(ctx); err != nil {
			// Reconciliation handles an unreachable server; warn and carry on.
			fmt.Fprintf(os.Stderr, "warning: server %s unreachable: %v\n", cfg.Server.URL, err)
		}
		return &backends{client, client, client, func() error { return nil }}, nil
	}

	store, err := openConversationStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	asst, err := newAssistant(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &backends{store, asst, asst, store.Close}, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	rawID, _ := cmd.Flags().GetInt64("project")
	local, _ := cmd.Flags().GetBool("local")
	if rawID <= 0 {
		return fmt.Errorf("--project must be a positive project ID")
	}
	id := types.ProjectID(rawID)

	logFile, err := openLogFile(cfg, "chat.log")
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := setupLoggingTo(cfg, logFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg, local, logger)
	if err != nil {
		return err
	}
	defer be.close()

	store, err := session.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	outbox := reconcile.NewOutbox(int64(cfg.MaxConcurrent), logger)
	outbox.Start(ctx)
	defer outbox.Stop()

	out := cmd.OutOrStdout()
	opts := chatOptions{
		compaction: compaction.Config{
			Threshold:  cfg.Compaction.Threshold,
			KeepRecent: cfg.Compaction.KeepRecent,
		},
		onQueued: func(user string, reply types.Message, err error) {
			fmt.Fprintf(out, "\n[queued] you> %s\n", user)
			printReply(out, reply, err)
			fmt.Fprint(out, "you> ")
		},
	}
	opts.title, _ = cmd.Flags().GetString("title")
	opts.targetModel, _ = cmd.Flags().GetString("target-model")

	g, gctx := errgroup.WithContext(ctx)
	watcher := inbox.NewWatcher(cfg.InboxDir(), store.Mailbox(), logger)
	g.Go(func() error { return watcher.Run(gctx) })

	chat, persister, resolution := mountChat(ctx, id, store, be, outbox, opts, logger)
	fmt.Fprintf(out, "Project %d: %s\n", id, resolution)
	for _, msg := range chat.Session().Messages {
		printMessage(out, msg)
	}
	fmt.Fprintln(out, "Commands: /history, /reset, /image URL, /quit")

	replErr := repl(ctx, chat, store, persister, os.Stdin, out)
	chat.Close()
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("inbox watcher stopped", "error", err)
	}
	return replErr
}

// chatOptions are the per-invocation settings of a mounted chat.
type chatOptions struct {
	title       string
	targetModel string
	compaction  compaction.Config
	onQueued    func(user string, reply types.Message, err error)
}

// mountChat wires a Chat for id and opens it. The title is applied before
// reconciling so a fresh project is welcomed by name; the target model is
// applied after, so it wins over a value adopted from the server.
func mountChat(ctx context.Context, id types.ProjectID, store *session.Store, be *backends, outbox *reconcile.Outbox, opts chatOptions, logger *slog.Logger) (*director.Chat, *reconcile.Persister, reconcile.State) {
	if opts.title != "" {
		snap := types.ProjectSnapshot{ID: id}
		if cur := store.GetSession(id).ProjectSnapshot; cur != nil {
			snap = *cur
		}
		snap.Title = opts.title
		store.SetProjectSnapshot(id, snap)
	}

	persister := reconcile.NewPersister(be.conversations, outbox)
	chat := director.New(id, director.Deps{
		Store:      store,
		Director:   be.director,
		Persister:  persister,
		Reconciler: reconcile.New(id, store, be.conversations, persister, logger),
		Compactor:  compaction.New(store, be.summarizer, persister, opts.compaction, logger),
		Logger:     logger,

		OnQueuedTurn: opts.onQueued,
	})
	resolution := chat.Open(ctx)

	if opts.targetModel != "" && store.GetSession(id).TargetModel != opts.targetModel {
		store.SetTargetModel(id, opts.targetModel)
	}
	return chat, persister, resolution
}

func repl(ctx context.Context, chat *director.Chat, store *session.Store, persister *reconcile.Persister, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var images []string
	for {
		fmt.Fprint(out, "you> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/history":
			for _, msg := range chat.Session().Messages {
				printMessage(out, msg)
			}
			continue
		case line == "/reset":
			if chat.State() != director.Idle {
				fmt.Fprintln(out, "director is busy, try again")
				continue
			}
			sess := store.ResetSession(chat.ProjectID())
			_ = persister.ReplaceMessages(chat.ProjectID(), sess.Messages, sess.Meta())
			fmt.Fprintln(out, "conversation reset")
			continue
		case strings.HasPrefix(line, "/image "):
			images = append(images, strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			fmt.Fprintf(out, "%d image(s) attached to the next message\n", len(images))
			continue
		}

		reply, err := chat.Send(ctx, line, images)
		switch {
		case errors.Is(err, director.ErrBusy):
			fmt.Fprintln(out, "director is still replying, wait for it")
			continue
		case errors.Is(err, director.ErrNotOpen):
			return err
		case errors.Is(err, types.ErrInvalidMessage):
			fmt.Fprintln(out, err)
			images = nil
			continue
		}
		images = nil
		printReply(out, reply, err)
	}
}

func printReply(w io.Writer, reply types.Message, err error) {
	if err != nil && reply.Content == "" {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	printMessage(w, reply)
	if reply.ScriptUpdates != nil && !reply.ScriptUpdates.Applied {
		fmt.Fprintln(w, "(script replacement rejected: it would drop too much of the current script)")
	}
}

func printMessage(w io.Writer, msg types.Message) {
	label := "director"
	switch msg.Role {
	case types.RoleUser:
		label = "you"
	case types.RoleSummary:
		label = "summary"
	}
	fmt.Fprintf(w, "%s> %s\n", label, msg.Content)
	for _, u := range msg.ImageURLs {
		fmt.Fprintf(w, "  [image] %s\n", u)
	}
}
