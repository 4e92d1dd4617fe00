package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"train-notifier/config"
	"train-notifier/cookies"
	"train-notifier/logging"
	"train-notifier/notify"
	"train-notifier/poll"
	"train-notifier/scraper"
	"train-notifier/server"
	"train-notifier/session"
	"train-notifier/state"
	"train-notifier/storage"
)

// app holds what the commands share once the config is loaded.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	storeClose func() error
	cfgPath    string
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "train-notifier",
		Short:         "Watch train seat availability and notify Telegram chats on change",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !needsConfig(cmd) {
				return nil
			}
			return a.setup()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", config.DefaultPath, "Path to the YAML config file")

	root.AddCommand(a.runCommand(), a.serveCommand(), a.watchCommand(), a.stateCommand())
	return root
}

// needsConfig is false for cobra's help and shell completion commands.
func needsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return true
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(logging.Options{
		File:   cfg.LogFile,
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

func (a *app) close() {
	if a.storeClose != nil {
		if err := a.storeClose(); err != nil {
			a.log().Warn("Failed to close storage client", "error", err)
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close log file:", err)
		}
	}
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Check every target once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			monitor, err := a.monitor(cmd.Context())
			if err != nil {
				return err
			}
			rep, err := monitor.Check(cmd.Context())
			if err != nil {
				return err
			}
			if rep.Status == poll.StatusNoResults {
				return &exitError{code: exitNoResults}
			}
			if len(rep.Failed) > 0 {
				a.logger.Error("Some recipients were not notified", "failed", rep.Failed)
			}
			return nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /health and the POST /pollz trigger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			monitor, err := a.monitor(cmd.Context())
			if err != nil {
				return err
			}
			srv := server.New(&server.Config{
				Poller:         monitor,
				Logger:         a.logger,
				IsAccessDenied: scraper.IsAccessDenied,
			})
			return srv.ListenAndServe(cmd.Context(), a.cfg.Port)
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	var immediate bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Check on the configured cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			monitor, err := a.monitor(cmd.Context())
			if err != nil {
				return err
			}
			return a.watch(cmd.Context(), monitor, immediate)
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", true, "Run a check at startup before the first scheduled one")
	return cmd
}

// watch runs monitor on the cron schedule. Access denial stops the loop and
// is returned so the process exits with its own status.
func (a *app) watch(ctx context.Context, monitor *poll.Monitor, immediate bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)
	check := func() {
		rep, err := monitor.Check(ctx)
		switch {
		case err == nil:
			a.logger.Info("Scheduled check finished", "status", rep.Status, "sent", len(rep.Sent))
		case scraper.IsAccessDenied(err):
			select {
			case fatal <- err:
			default:
			}
			cancel()
		case errors.Is(err, poll.ErrRunInProgress), errors.Is(err, context.Canceled):
			a.logger.Info("Scheduled check skipped", "reason", err)
		default:
			a.logger.Error("Scheduled check failed", "error", err)
		}
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	if _, err := c.AddFunc(a.cfg.Schedule, check); err != nil {
		return fmt.Errorf("parse schedule %q: %w", a.cfg.Schedule, err)
	}

	if immediate {
		check()
	}

	c.Start()
	a.logger.Info("Watching on schedule", "schedule", a.cfg.Schedule, "targets", len(a.cfg.URLs))

	<-ctx.Done()
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		a.logger.Warn("Timed out waiting for running check")
	}

	select {
	case err := <-fatal:
		return err
	default:
		a.logger.Info("Watch stopped")
		return nil
	}
}

func (a *app) stateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset stored notification state",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the fingerprint last delivered to each recipient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := state.New(store, a.logger).List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range recs {
				if _, err := fmt.Fprintf(out, "%s\t%s\t%s\n", rec.Recipient, rec.Fingerprint, rec.UpdatedAt.Format(time.RFC3339)); err != nil {
					return err
				}
			}
			return nil
		},
	}

	var withSession bool
	reset := &cobra.Command{
		Use:   "reset [chat-id...]",
		Short: "Forget fingerprints so the next check notifies again",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			recipients := args
			if len(recipients) == 0 {
				recipients = a.cfg.ChatIDs
			}
			states := state.New(store, a.logger)
			for _, r := range recipients {
				if err := states.Delete(ctx, r); err != nil {
					return err
				}
			}
			if withSession {
				key := a.cfg.SessionKey
				if key == "" {
					key = session.DefaultKey
				}
				if err := store.Delete(ctx, key); err != nil {
					return fmt.Errorf("delete session: %w", err)
				}
				a.logger.Info("Session cookies deleted", "key", key)
			}
			return nil
		},
	}
	reset.Flags().BoolVar(&withSession, "session", false, "Also delete the saved session cookies")

	cmd.AddCommand(list, reset)
	return cmd
}

// openStore opens the blob store shared by the session and fingerprint records.
func (a *app) openStore(ctx context.Context) (*storage.Store, error) {
	localPath := a.cfg.StateDir
	if localPath == "" && a.cfg.StorageBucket == "" {
		localPath = "./data"
		a.logger.Info("No STORAGE_BUCKET set, defaulting to local storage", "storage_path", localPath)
	}
	store, closeStore, err := storage.Open(ctx, storage.Config{
		LocalPath:       localPath,
		Bucket:          a.cfg.StorageBucket,
		CredentialsJSON: a.cfg.GoogleCredentialsJSON,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.storeClose = closeStore
	return store, nil
}

// monitor wires storage, session, state, provider and fetcher together.
func (a *app) monitor(ctx context.Context) (*poll.Monitor, error) {
	cfg := a.cfg

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	sessions := session.New(store, cfg.SessionKey, a.logger)
	states := state.New(store, a.logger)

	provider, err := a.provider()
	if err != nil {
		return nil, err
	}

	fetcherCfg := scraper.Config{
		SiteRoot:       cfg.SiteRoot,
		UserAgent:      cfg.UserAgent,
		AcceptLanguage: cfg.AcceptLanguage,
		Timeout:        cfg.HTTPTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}
	newFetcher := func(jar *cookies.Jar) (poll.Fetcher, error) {
		f, err := scraper.New(jar, sessions, fetcherCfg, a.logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	return poll.New(poll.Config{
		URLs:            cfg.URLs,
		Recipients:      cfg.ChatIDs,
		AllowedTypes:    cfg.AllowedSeatTypes,
		Icons:           cfg.Icons,
		NotifyWhenEmpty: cfg.NotifyWhenEmpty,
	}, sessions, newFetcher, states, notify.New(provider, a.logger), a.logger), nil
}

func (a *app) provider() (notify.Provider, error) {
	cfg := a.cfg
	switch cfg.Provider {
	case config.ProviderTelegram:
		return notify.NewTelegramProvider(cfg.BotToken, notify.TelegramOptions{
			APIURL:    cfg.TelegramAPIURL,
			ParseMode: cfg.ParseMode,
			Timeout:   cfg.HTTPTimeout,
		}, a.logger), nil
	case config.ProviderShoutrrr:
		template := cfg.ShoutrrrURL
		if template == "" {
			template = notify.TelegramShoutrrrURL(cfg.BotToken)
		}
		return notify.NewShoutrrrProvider(template, cfg.ParseMode, cfg.HTTPTimeout, a.logger), nil
	case config.ProviderMock:
		a.logger.Info("Mock message mode enabled")
		return notify.NewMockProvider(a.logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
