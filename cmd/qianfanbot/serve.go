package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/qianfanbot/internal/bot"
	"github.com/memohai/qianfanbot/internal/channel"
	"github.com/memohai/qianfanbot/internal/channel/adapters/discord"
	"github.com/memohai/qianfanbot/internal/channel/adapters/feishu"
	"github.com/memohai/qianfanbot/internal/channel/adapters/telegram"
	"github.com/memohai/qianfanbot/internal/channel/adapters/web"
	"github.com/memohai/qianfanbot/internal/config"
	"github.com/memohai/qianfanbot/internal/handlers"
	channelchecker "github.com/memohai/qianfanbot/internal/healthcheck/checkers/channel"
	storechecker "github.com/memohai/qianfanbot/internal/healthcheck/checkers/store"
	"github.com/memohai/qianfanbot/internal/history"
	"github.com/memohai/qianfanbot/internal/logger"
	"github.com/memohai/qianfanbot/internal/metrics"
	"github.com/memohai/qianfanbot/internal/qianfan"
	"github.com/memohai/qianfanbot/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect the configured channels and start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		app := fx.New(
			fx.Supply(cfg),
			fx.Provide(
				provideLogger,
				provideBackend,
				provideClient,
				metrics.New,
				web.NewWebAdapter,
				provideChannelRegistry,
				provideDispatcher,
				provideChannelManager,
				provideServerHandler(providePingHandler),
				provideServerHandler(provideMetricsHandler),
				provideServerHandler(provideMessageHandler),
				provideServerHandler(provideThreadHandler),
				provideServerHandler(provideChannelHandler),
				provideServer,
			),
			fx.Invoke(
				startChannelManager,
				startServer,
			),
			fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
				return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
			}),
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Registrar)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideBackend(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (history.Backend, error) {
	backend, err := openBackend(context.Background(), log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return backend.Close() }})
	return backend, nil
}

func provideClient(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, m *metrics.Metrics) (qianfan.Client, error) {
	client, closeClient, err := buildClient(log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return closeClient() }})
	return metrics.InstrumentClient(client, m), nil
}

// provideChannelRegistry registers the web adapter and every platform with
// credentials in the config.
func provideChannelRegistry(log *slog.Logger, cfg config.Config, webAdapter *web.WebAdapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(webAdapter)
	if cfg.Telegram.BotToken != "" {
		registry.MustRegister(telegram.NewTelegramAdapter(log, cfg.Telegram.BotToken))
	}
	if cfg.Discord.BotToken != "" {
		registry.MustRegister(discord.NewDiscordAdapter(log, cfg.Discord.BotToken))
	}
	if cfg.Feishu.AppID != "" && cfg.Feishu.AppSecret != "" {
		registry.MustRegister(feishu.NewFeishuAdapter(log, feishu.Config{
			AppID:             cfg.Feishu.AppID,
			AppSecret:         cfg.Feishu.AppSecret,
			EncryptKey:        cfg.Feishu.EncryptKey,
			VerificationToken: cfg.Feishu.VerificationToken,
			BaseURL:           cfg.Feishu.BaseURL,
		}))
	}
	return registry
}

// dispatcherRef breaks the cycle between the manager, which feeds the
// dispatcher, and the dispatcher, which replies through the manager.
type dispatcherRef struct {
	d *bot.Dispatcher
}

func (r *dispatcherRef) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	if r.d == nil {
		return fmt.Errorf("dispatcher not ready")
	}
	return r.d.HandleInbound(ctx, msg)
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry) (*channel.Manager, *dispatcherRef) {
	ref := &dispatcherRef{}
	return channel.NewManager(log, registry, ref), ref
}

func provideDispatcher(log *slog.Logger, cfg config.Config, client qianfan.Client, backend history.Backend, manager *channel.Manager, ref *dispatcherRef, m *metrics.Metrics) *bot.Dispatcher {
	d := bot.NewDispatcher(log, bot.OptionsFromConfig(cfg), bot.Deps{
		Client:  client,
		Store:   backend,
		Users:   backend,
		Replier: manager,
		Metrics: m,
	})
	ref.d = d
	return d
}

func providePingHandler(log *slog.Logger, cfg config.Config, backend history.Backend, manager *channel.Manager) *handlers.PingHandler {
	return handlers.NewPingHandler(log,
		storechecker.NewChecker(log, cfg.Store.Driver, backend),
		channelchecker.NewChecker(log, manager),
	)
}

func provideMetricsHandler(m *metrics.Metrics) *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(m.Handler())
}

func provideMessageHandler(log *slog.Logger, d *bot.Dispatcher, webAdapter *web.WebAdapter) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, d, webAdapter)
}

func provideThreadHandler(log *slog.Logger, cfg config.Config, d *bot.Dispatcher, backend history.Backend) *handlers.ThreadHandler {
	return handlers.NewThreadHandler(log, d.Resolver(), backend, cfg.Features.HistoryRound, cfg.Features.OpenHistory)
}

func provideChannelHandler(manager *channel.Manager) *handlers.ChannelHandler {
	return handlers.NewChannelHandler(manager)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Registrar `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	secret := params.Config.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		params.Logger.Warn("auth.jwt_secret is empty; using a random secret, API tokens will not survive a restart")
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, secret, params.ServerHandlers...)
}

func startChannelManager(lc fx.Lifecycle, channelManager *channel.Manager, _ *bot.Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { channelManager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return channelManager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
