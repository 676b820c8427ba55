package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"stravacal/internal/calendar"
	"stravacal/internal/config"
	"stravacal/internal/mirror"
	"stravacal/internal/models"
	"stravacal/internal/server"
	"stravacal/internal/strava"
	"stravacal/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:  "stravacal",
		Usage: "Publish Strava activities and sleep records as subscribable ICS calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"STRAVACAL_CONFIG"}, Usage: "Path to a YAML config file."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			rebuildCommand(),
			credentialsCommand(),
			authCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// app bundles the components shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *http.Client
	tokens     *strava.TokenStore
	store      *calendar.Store
}

func newApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	oauthConfig := strava.NewOAuthConfig(cfg.Strava.ClientID, cfg.Strava.ClientSecret, cfg.Strava.TokenURL)
	tokens := strava.NewTokenStore(logger, cfg.CredentialsFile, oauthConfig, httpClient)

	store, err := calendar.NewStore(logger, cfg.CalendarDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open calendar store: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		tokens:     tokens,
		store:      store,
	}, nil
}

func (a *app) newSyncer(ctx context.Context, dryRun bool) (*syncer.Syncer, error) {
	client := strava.NewClient(a.logger, a.cfg.Strava.BaseURL, a.httpClient, a.tokens)

	var publisher syncer.EntryPublisher
	if a.cfg.CalDAV.Enabled() && !dryRun {
		p, err := mirror.NewPublisher(ctx, a.logger, mirror.Options{
			Endpoint:     a.cfg.CalDAV.URL,
			Username:     a.cfg.CalDAV.Username,
			Password:     a.cfg.CalDAV.Password,
			CalendarName: a.cfg.CalDAV.CalendarName,
			CalendarPath: a.cfg.CalDAV.CalendarPath,
			Timeout:      a.cfg.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav mirror: %w", err)
		}
		publisher = p
		a.logger.Info("CalDAV mirror enabled.", "url", a.cfg.CalDAV.URL)
	}

	return syncer.NewSyncer(a.logger, client, a.store, publisher, dryRun), nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the webhook receiver and calendar feed server.",
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			logger := a.logger

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.newSyncer(ctx, false)
			if err != nil {
				return err
			}
			if a.cfg.Strava.VerifyToken == "" {
				logger.Warn("STRAVA_VERIFY_TOKEN is not set; webhook subscription handshakes will be rejected.")
			}

			dispatcher := syncer.NewDispatcher(logger, a.cfg.Workers, a.cfg.QueueSize, a.cfg.TaskTimeout)
			scheduler := syncer.NewScheduler(dispatcher, s)

			var rebuildCron *cron.Cron
			if a.cfg.RebuildSchedule != "" {
				rebuildCron = cron.New()
				perPage := a.cfg.PerPage
				_, err := rebuildCron.AddFunc(a.cfg.RebuildSchedule, func() {
					dispatcher.TrySubmit("scheduled-rebuild", func(ctx context.Context) error {
						result, err := s.Rebuild(ctx, perPage)
						if err != nil {
							return err
						}
						logger.Info("Scheduled rebuild finished.", "fetched", result.Fetched, "inserted", result.Inserted, "failed", result.Failed)
						return nil
					})
				})
				if err != nil {
					return fmt.Errorf("invalid rebuild schedule: %w", err)
				}
				rebuildCron.Start()
				logger.Info("Scheduled rebuild enabled.", "schedule", a.cfg.RebuildSchedule)
			}

			handler := server.NewServer(logger, server.Options{
				VerifyToken:    a.cfg.Strava.VerifyToken,
				SubscriptionID: a.cfg.Strava.SubscriptionID,
				Location:       a.cfg.Location(),
				PerPage:        a.cfg.PerPage,
				Admin:          a.cfg.Admin,
			}, server.Deps{
				Scheduler: scheduler,
				Feeds:     a.store,
				Sleep:     s,
				Rebuilder: s,
			})

			httpServer := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Listening.", "addr", a.cfg.Listen, "dataDir", a.cfg.DataDir)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("Shutting down.")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.TaskTimeout)
			defer cancel()

			if rebuildCron != nil {
				<-rebuildCron.Stop().Done()
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown failed", "error", err)
			}
			if err := dispatcher.Close(shutdownCtx); err != nil {
				logger.Warn("Abandoned queued tasks on shutdown", "error", err)
			}
			return nil
		},
	}
}

func rebuildCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebuild",
		Usage: "Fetch the most recent activities once and merge them into the calendar.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "per-page", Usage: "Number of recent activities to fetch (1-200). Defaults to the configured page size."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be merged without making changes."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				a.logger.Info("Performing a dry run. No changes will be made.")
			}

			perPage := a.cfg.PerPage
			if c.IsSet("per-page") {
				perPage = c.Int("per-page")
			}

			s, err := a.newSyncer(c.Context, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			result, err := s.Rebuild(c.Context, perPage)
			if err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}
			a.logger.Info("Rebuild finished.", "fetched", result.Fetched, "inserted", result.Inserted, "skipped", result.Skipped, "failed", result.Failed)
			return nil
		},
	}
}

func credentialsCommand() *cli.Command {
	return &cli.Command{
		Name:  "credentials",
		Usage: "Seed the credential file with an existing token pair.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "access-token", EnvVars: []string{"ACCESS_TOKEN"}, Usage: "Current access token."},
			&cli.StringFlag{Name: "refresh-token", EnvVars: []string{"REFRESH_TOKEN"}, Required: true, Usage: "Refresh token."},
			&cli.Int64Flag{Name: "expires-at", Usage: "Access token expiry in Unix seconds. 0 forces a refresh on first use."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			cred := models.Credential{
				AccessToken:  c.String("access-token"),
				RefreshToken: c.String("refresh-token"),
				ExpiresAt:    c.Int64("expires-at"),
			}
			if err := strava.SaveCredential(a.cfg.CredentialsFile, cred); err != nil {
				return err
			}
			a.logger.Info("Saved credential.", "file", a.cfg.CredentialsFile)
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize the application and store the resulting credential.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "redirect-url", Value: "http://localhost/exchange_token", Usage: "Redirect URL registered for the API application."},
			&cli.StringFlag{Name: "code", Usage: "Authorization code. Prompted for when omitted."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c)
			if err != nil {
				return err
			}
			if a.cfg.Strava.ClientID == "" || a.cfg.Strava.ClientSecret == "" {
				return fmt.Errorf("%w: STRAVA_CLIENT_ID and STRAVA_CLIENT_SECRET must be set", models.ErrConfig)
			}

			oauthConfig := strava.NewOAuthConfig(a.cfg.Strava.ClientID, a.cfg.Strava.ClientSecret, a.cfg.Strava.TokenURL)
			oauthConfig.RedirectURL = c.String("redirect-url")

			code := c.String("code")
			if code == "" {
				authURL := oauthConfig.AuthCodeURL("stravacal", oauth2.SetAuthURLParam("approval_prompt", "force"))
				fmt.Printf("Go to the following link in your browser, approve access, then paste the "+
					"code parameter of the redirect: \n%v\n", authURL)
				fmt.Print("Enter Authorization Code: ")
				reader := bufio.NewReader(os.Stdin)
				code, _ = reader.ReadString('\n')
				code = strings.TrimSpace(code)
			}

			cred, err := strava.ExchangeCode(c.Context, oauthConfig, a.httpClient, code)
			if err != nil {
				return fmt.Errorf("unable to exchange authorization code: %w", err)
			}
			if err := strava.SaveCredential(a.cfg.CredentialsFile, cred); err != nil {
				return err
			}
			a.logger.Info("Successfully authenticated and saved credential.", "file", a.cfg.CredentialsFile)
			return nil
		},
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
