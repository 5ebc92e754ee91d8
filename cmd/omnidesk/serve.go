package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/omnidesk/internal/assistant"
	"github.com/memohai/omnidesk/internal/cache"
	"github.com/memohai/omnidesk/internal/channel"
	"github.com/memohai/omnidesk/internal/channel/adapters/api"
	"github.com/memohai/omnidesk/internal/channel/adapters/instagram"
	"github.com/memohai/omnidesk/internal/channel/adapters/selftest"
	"github.com/memohai/omnidesk/internal/channel/adapters/telegram"
	"github.com/memohai/omnidesk/internal/channel/adapters/widget"
	"github.com/memohai/omnidesk/internal/config"
	"github.com/memohai/omnidesk/internal/conversation"
	"github.com/memohai/omnidesk/internal/crm"
	"github.com/memohai/omnidesk/internal/db"
	"github.com/memohai/omnidesk/internal/handlers"
	"github.com/memohai/omnidesk/internal/healthcheck"
	"github.com/memohai/omnidesk/internal/healthcheck/checkers/dependency"
	"github.com/memohai/omnidesk/internal/inbound"
	"github.com/memohai/omnidesk/internal/llm"
	"github.com/memohai/omnidesk/internal/logger"
	"github.com/memohai/omnidesk/internal/media"
	"github.com/memohai/omnidesk/internal/media/providers/localfs"
	"github.com/memohai/omnidesk/internal/message"
	"github.com/memohai/omnidesk/internal/outbound"
	"github.com/memohai/omnidesk/internal/pubsub"
	"github.com/memohai/omnidesk/internal/reply"
	"github.com/memohai/omnidesk/internal/server"
	"github.com/memohai/omnidesk/internal/usage"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideCache,
			provideBindings,
			provideChannelRegistry,
			provideMediaService,
			provideConversationService,
			provideMessageService,
			provideAssistantService,
			provideLLM,
			providePublisher,
			provideCRMExtractor,
			provideOrchestrator,
			provideDispatcher,
			provideMeter,
			providePipeline,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideWidgetHandler),
			provideServerHandler(provideChatsHandler),
			provideServerHandler(provideMediaHandler),
			provideServer,
		),
		fx.Invoke(
			startSelfTestScheduler,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

// provideCache uses Redis when configured and an in-process cache otherwise.
func provideCache(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) cache.Cache {
	var c cache.Cache = cache.NewMemory()
	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		redisCache, err := cache.NewRedis(context.Background(), url, "omnidesk:")
		if err != nil {
			log.Warn("redis unavailable, using in-memory cache", slog.Any("error", err))
		} else {
			c = redisCache
		}
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return c.Close() }})
	return c
}

func provideBindings(log *slog.Logger, conn *pgxpool.Pool, c cache.Cache, cfg config.Config) channel.BindingReader {
	return channel.NewCachedBindings(log, channel.NewBindingStore(log, conn), c, cfg.Redis.TTL())
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(widget.NewAdapter(log, cfg.Media.MaxUploadBytes))
	registry.MustRegister(telegram.NewTelegramAdapter(log))
	registry.MustRegister(instagram.NewAdapter(log, ""))
	registry.MustRegister(api.NewAdapter(log))
	registry.MustRegister(selftest.NewAdapter())
	return registry
}

func provideMediaService(log *slog.Logger, cfg config.Config) (*media.Service, error) {
	provider, err := localfs.New(cfg.Media.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("media storage: %w", err)
	}
	return media.NewService(log, provider, cfg.Server.PublicBaseURL), nil
}

func provideConversationService(log *slog.Logger, conn *pgxpool.Pool) *conversation.Service {
	return conversation.NewService(log, conn)
}

func provideMessageService(log *slog.Logger, conn *pgxpool.Pool) *message.Service {
	return message.NewService(log, conn)
}

func provideAssistantService(log *slog.Logger, conn *pgxpool.Pool) *assistant.Service {
	return assistant.NewService(log, conn)
}

func provideLLM(log *slog.Logger, cfg config.Config) llm.Provider {
	provider := llm.NewOpenAI(log, cfg.OpenAI)
	if !provider.Configured() {
		log.Warn("openai api key not set; automated replies use the fallback text")
	}
	return provider
}

// providePublisher returns nil when no broker is configured. Generic API
// replies then have no transport and CRM actions are only stripped.
func providePublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (pubsub.Publisher, error) {
	url := strings.TrimSpace(cfg.AMQP.URL)
	if url == "" {
		log.Info("amqp not configured; api channel replies and crm actions are not published")
		return nil, nil
	}
	publisher, err := pubsub.NewAMQPPublisher(context.Background(), log, pubsub.ConnectionOptions{
		URL:           url,
		RetryAttempts: cfg.AMQP.RetryAttempts,
		Delay:         time.Second,
	}, cfg.AMQP.Exchange)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return publisher.Close() }})
	return publisher, nil
}

func provideCRMExtractor(log *slog.Logger, cfg config.Config, publisher pubsub.Publisher) crm.Extractor {
	if publisher == nil {
		return crm.NewTagExtractor(log, nil)
	}
	return crm.NewTagExtractor(log, crm.NewPubSubSink(publisher, cfg.AMQP.CRMRoutingKey))
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, provider llm.Provider, conversations *conversation.Service, assistants *assistant.Service, registry *channel.Registry, extractor crm.Extractor) *reply.Orchestrator {
	return reply.NewOrchestrator(log, provider, conversations, assistants, registry, extractor, reply.OptionsFromConfig(cfg.OpenAI))
}

func provideDispatcher(log *slog.Logger, cfg config.Config, registry *channel.Registry, bindings channel.BindingReader, messages *message.Service, mediaService *media.Service, publisher pubsub.Publisher) *outbound.Dispatcher {
	d := outbound.NewDispatcher(log, registry, bindings, messages, mediaService)
	if publisher != nil {
		d.Use(channel.ChannelAPI, outbound.NewAPISender(publisher, cfg.AMQP.OutboundRoutingKey))
	}
	return d
}

func provideMeter(log *slog.Logger, cfg config.Config, conn *pgxpool.Pool) (*usage.Meter, error) {
	var store usage.Store
	switch strings.ToLower(strings.TrimSpace(cfg.Usage.Store)) {
	case "", "postgres":
		store = usage.NewPostgresStore(conn)
	case "memory":
		log.Warn("usage counters are kept in memory and reset on restart")
		store = usage.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown usage store %q", cfg.Usage.Store)
	}
	return usage.NewMeter(log, store, cfg.Usage.WindowDuration()), nil
}

type pipelineParams struct {
	fx.In

	Logger        *slog.Logger
	Config        config.Config
	Conversations *conversation.Service
	Messages      *message.Service
	Assistants    *assistant.Service
	Meter         *usage.Meter
	Replier       *reply.Orchestrator
	Dispatcher    *outbound.Dispatcher
	Media         *media.Service
	Bindings      channel.BindingReader
}

func providePipeline(p pipelineParams) *inbound.Pipeline {
	return inbound.NewPipeline(p.Logger, inbound.Deps{
		Conversations: p.Conversations,
		Messages:      p.Messages,
		Meter:         p.Meter,
		Assistants:    p.Assistants,
		Replier:       p.Replier,
		Dispatcher:    p.Dispatcher,
		Media:         p.Media,
		Bindings:      p.Bindings,
	}, inbound.Options{
		MaxUploadBytes:         p.Config.Media.MaxUploadBytes,
		OperatorMaxUploadBytes: p.Config.Media.OperatorMaxUploadBytes,
	})
}

func provideHealthHandler(log *slog.Logger, conn *pgxpool.Pool, c cache.Cache, publisher pubsub.Publisher, provider llm.Provider) *handlers.HealthHandler {
	var amqpPing dependency.PingFunc
	if p, ok := publisher.(*pubsub.AMQPPublisher); ok {
		amqpPing = p.Ping
	}
	checkers := []healthcheck.Checker{
		dependency.NewChecker(log, "postgres", conn.Ping, false),
		dependency.NewChecker(log, "cache", func(ctx context.Context) error { return cache.Ping(ctx, c) }, true),
		dependency.NewChecker(log, "amqp", amqpPing, true),
		dependency.NewProviderChecker("openai", provider.Configured),
	}
	return handlers.NewHealthHandler(log, checkers...)
}

func provideWebhookHandler(log *slog.Logger, registry *channel.Registry, bindings channel.BindingReader, pipeline *inbound.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, bindings, pipeline)
}

func provideWidgetHandler(log *slog.Logger, registry *channel.Registry, bindings channel.BindingReader, pipeline *inbound.Pipeline, conversations *conversation.Service, messages *message.Service) *handlers.WidgetHandler {
	return handlers.NewWidgetHandler(log, registry, bindings, pipeline, conversations, messages)
}

func provideChatsHandler(log *slog.Logger, cfg config.Config, pipeline *inbound.Pipeline, conversations *conversation.Service, messages *message.Service) *handlers.ChatsHandler {
	return handlers.NewChatsHandler(log, pipeline, conversations, messages, cfg.Media.OperatorMaxUploadBytes)
}

func provideMediaHandler(log *slog.Logger, mediaService *media.Service) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, mediaService)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startSelfTestScheduler(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, conversations *conversation.Service, assistants *assistant.Service) error {
	if cfg.SelfTest.Disabled {
		return nil
	}
	initializer := conversation.NewSelfTestInitializer(log, conversations, assistants)
	scheduler, err := conversation.NewSelfTestScheduler(log, initializer, cfg.SelfTest.Schedule)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := initializer.EnsureSelfTestConversations(ctx); err != nil {
					log.Warn("initial self-test pass failed", slog.Any("error", err))
				}
			}()
			scheduler.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error { scheduler.Stop(ctx); return nil },
	})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Error("auth.jwt_secret is empty; operator routes will reject every token")
	}
	fmt.Fprintf(os.Stdout, "Starting omnidesk on %s\n", cfg.Server.Addr)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
