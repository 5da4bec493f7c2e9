package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/dispatch"
	"missionline/internal/domain"
	"missionline/internal/feed"
	"missionline/internal/feed/redisfeed"
	"missionline/internal/logging"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/server"
	missionlinesdk "missionline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Missionline CLI",
	Long: `Missionline moves field missions from open to completed with live updates.
Core concepts:
- Assigners create missions, assign them and approve or reject deliverables.
- Assignees claim open missions, start them and submit deliverables.
- Statuses go open -> assigned -> in_progress -> awaiting_validation -> completed; cancelled is the exit.
- Every transition is a conditional write: if someone else moved the mission first you see the latest version.
- Each mission has a thread of messages; approval credits XP to the assignee.
Commands work on the local workspace database, or on a running server with --server.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MISSIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting actor id")
	rootCmd.PersistentFlags().String("role", "", "role used to create the actor when it does not exist")
	rootCmd.PersistentFlags().String("server", "", "missionline server URL; empty uses the workspace database")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "actor", "role", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(threadCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(xpCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, closeLog, err := logging.New(cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return err
			}
			defer closeLog()
			if cmd.Flags().Changed("addr") || cfg.Server.Addr == "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") || cfg.Server.BasePath == "" {
				cfg.Server.BasePath = basePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: cfg.Server.AllowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(ctx, db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			r := repo.New(conn)

			hub := feed.NewHub(
				feed.HubWithLogger(log),
				feed.HubWithSubscriberCapacity(cfg.Realtime.SubscriberBuffer),
			)
			poller := &feed.Poller{
				Log:       r,
				Publisher: hub,
				Interval:  cfg.Realtime.PollInterval,
				Batch:     cfg.Realtime.PollBatch,
				Logger:    logging.Component(log, "feed.poller"),
			}

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Redis.Addr != "" {
				client, err := redisfeed.Connect(ctx, cfg.Redis.Addr)
				if err != nil {
					return err
				}
				defer client.Close()
				prefix := cfg.Redis.ChannelPrefix + ":feed:"
				poller.Publisher = redisfeed.Publisher{Client: client, Prefix: prefix}
				leader := redisfeed.NewLeader(client, prefix, cfg.Redis.LockTTL)
				poller.Leader = leader
				poller.Cursors = leader
				relay := redisfeed.Source{
					Client: client,
					Prefix: prefix,
					Buffer: cfg.Realtime.SubscriberBuffer,
					Logger: logging.Component(log, "feed.redis"),
				}
				g.Go(func() error { return relay.Relay(gctx, hub) })
				log.Info().Str("redis", cfg.Redis.Addr).Msg("sharing change feed over redis")
			}
			g.Go(func() error { return poller.Run(gctx) })

			hooks := server.NewWebhooks(r, cfg.Webhooks, log)
			hooks.Interval = cfg.Realtime.PollInterval
			g.Go(func() error { return hooks.Run(gctx) })

			handler, err := server.New(server.Config{
				Repo:     r,
				Feed:     hub,
				BasePath: cfg.Server.BasePath,
				Auth:     authCfg,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default missionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Sign a bearer token with MISSIONLINE_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required")
			}
			tok, err := server.SignToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"))
}

type actorStore interface {
	app.ActorSource
	ListActors(ctx context.Context) ([]domain.Actor, error)
}

type inbox interface {
	ListNotifications(ctx context.Context, actorID string, unreadOnly bool, limit int) ([]domain.Notification, error)
}

// backend is either the workspace database or a remote server.
type backend struct {
	store   app.Store
	effects dispatch.Effects
	source  feed.Source
	actors  actorStore
	inbox   inbox
	totalXP func(ctx context.Context, actorID string) (int, error)
	// poller is set for the local backend; it publishes workspace writes to source.
	poller *feed.Poller
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	if url := viper.GetString("server"); url != "" {
		c := missionlinesdk.New(url, viper.GetString("token"))
		if c.BearerToken == "" {
			actorID := viper.GetString("actor")
			if actorID == "" {
				return nil, fmt.Errorf("--token or --actor is required with --server")
			}
			if _, err := c.DevLogin(ctx, actorID); err != nil {
				return nil, fmt.Errorf("dev login: %w", err)
			}
		}
		return &backend{
			store:   c,
			effects: c,
			source:  c,
			actors:  c,
			inbox:   c,
			totalXP: func(ctx context.Context, actorID string) (int, error) {
				xp, err := c.XP(ctx, actorID)
				return xp.Total, err
			},
			close: func() {},
		}, nil
	}

	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(ctx, db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.New(conn)
	hub := feed.NewHub(feed.HubWithLogger(log), feed.HubWithSubscriberCapacity(cfg.Realtime.SubscriberBuffer))
	poller := &feed.Poller{
		Log:       r,
		Publisher: hub,
		Interval:  cfg.Realtime.PollInterval,
		Batch:     cfg.Realtime.PollBatch,
		Logger:    logging.Component(log, "feed.poller"),
	}
	if _, err := poller.Poll(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &backend{
		store:   r,
		effects: r,
		source:  hub,
		actors:  r,
		inbox:   r,
		totalXP: r.TotalXP,
		poller:  poller,
		close:   func() { _ = conn.Close() },
	}, nil
}

// withBackend opens the configured backend and a logger for one command.
func withBackend(ctx context.Context, fn func(context.Context, *config.Config, zerolog.Logger, *backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closeLog()
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(ctx, cfg, log, b)
}

// withClient runs fn with a started mission client acting as the resolved actor.
func withClient(ctx context.Context, fn func(context.Context, *app.Client, *backend) error) error {
	return withBackend(ctx, func(ctx context.Context, cfg *config.Config, log zerolog.Logger, b *backend) error {
		actor, err := resolveActor(ctx, b)
		if err != nil {
			return err
		}
		c := app.New(actor, b.store, b.effects, b.source, app.Options{Config: cfg, Logger: log})
		if err := c.Start(ctx); err != nil {
			return err
		}
		defer c.Close()
		c.OnNotice(func(n app.Notice) {
			fmt.Fprintf(os.Stderr, "warning: %s\n", n.Message)
		})
		return fn(ctx, c, b)
	})
}

func resolveActor(ctx context.Context, b *backend) (domain.Actor, error) {
	if viper.GetString("server") != "" && viper.GetString("actor") == "" {
		if me, ok := b.actors.(interface {
			Me(ctx context.Context) (domain.Actor, error)
		}); ok {
			return me.Me(ctx)
		}
	}
	return app.ResolveActor(ctx, b.actors, viper.GetString("actor"), "", viper.GetString("role"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
