package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-collab/internal/api"
	"github.com/npezzotti/go-collab/internal/auth"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var configFile string
	root := &cobra.Command{
		Use:          "collab-server",
		Short:        "Real-time room server for shared code, canvas, chat and calls",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			return v.ReadInConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(v)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	if err := config.BindFlags(v, root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the websocket server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(v)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply postgres migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), v)
			},
		},
		newTokenCmd(v),
	)

	return root
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg.Level = level

	return zcfg.Build()
}

func serve(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Chat.StoreTimeout)
	store, err := database.Open(ctx, cfg.Database)
	cancel()
	if err != nil {
		logger.Error("db open", zap.Error(err))
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	directory, err := database.NewCachedDirectory(store, cfg.RoomCache.Size, cfg.RoomCache.TTL)
	if err != nil {
		return fmt.Errorf("room directory: %w", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	roomServer, err := server.NewServer(logger, store, directory, statsUpdater, server.OptionsFromConfig(cfg))
	if err != nil {
		logger.Error("new room server", zap.Error(err))
		return err
	}

	app := api.NewApp(mux, logger, roomServer, auth.NewVerifier(cfg.SigningKey), cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go roomServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down room server")
	if err := roomServer.Shutdown(shutDownCtx); err != nil {
		logger.Error("room server shutdown", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func migrate(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Database.Type != config.DatabasePostgres {
		return fmt.Errorf("migrations only apply to %s, not %s", config.DatabasePostgres, cfg.Database.Type)
	}

	return database.Migrate(ctx, cfg.Database.DSN)
}

// newTokenCmd mints a credential for local development. Production
// credentials are issued by the identity service.
func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		roomId     string
		userId     string
		role       string
		roomName   string
		createRoom bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed room credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			if createRoom {
				store, err := database.Open(cmd.Context(), cfg.Database)
				if err != nil {
					return err
				}
				defer store.Close()

				room := types.Room{Id: roomId, Name: roomName, CreatorId: userId, CreatedAt: time.Now().UTC()}
				if err := store.CreateRoom(cmd.Context(), room); err != nil {
					return fmt.Errorf("create room: %w", err)
				}
			}

			token, exp, err := auth.NewIssuer(cfg.SigningKey, cfg.Session.TTL).Issue(roomId, userId, types.Role(role))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&roomId, "room", "", "room id")
	cmd.Flags().StringVar(&userId, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", string(types.RoleMember), "creator or member")
	cmd.Flags().StringVar(&roomName, "name", "", "room name, with --create-room")
	cmd.Flags().BoolVar(&createRoom, "create-room", false, "also create the room in the configured store")
	cmd.MarkFlagRequired("room")
	cmd.MarkFlagRequired("user")

	return cmd
}
