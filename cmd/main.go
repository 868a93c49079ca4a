package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"voicegpt-bot/handler"
	"voicegpt-bot/internal/audio"
	"voicegpt-bot/internal/bot"
	"voicegpt-bot/internal/config"
	"voicegpt-bot/internal/integrations/openai"
	"voicegpt-bot/internal/integrations/paramstore"
	"voicegpt-bot/internal/integrations/telegram"
	"voicegpt-bot/internal/logger"
	"voicegpt-bot/internal/observe"
	"voicegpt-bot/internal/repository"
	"voicegpt-bot/internal/session"
	"voicegpt-bot/internal/usecase"
)

func main() {
	// ---- Settings and logging ----
	settings, err := config.Load(os.Args[1:])
	if err != nil {
		fatal("invalid settings", err)
	}
	logger.Init(os.Stdout, settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicegpt-bot"})
	if err != nil {
		fatal("failed to initialise telemetry", err)
	}

	// ---- Secrets ----
	var aws *awsClients
	if settings.ConfigSource == config.SourceSSM || settings.SessionBackend == config.BackendDynamoDB {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
		aws = &awsClients{ssm: awsssm.NewFromConfig(cfg), dynamo: awsdynamodb.NewFromConfig(cfg)}
	}

	provider, err := secretProvider(settings, aws)
	if err != nil {
		fatal("failed to create configuration provider", err)
	}
	secrets, err := provider.LoadSecrets(ctx)
	if err != nil {
		fatal("required configuration is missing", err)
	}
	slog.Info("configuration loaded", "environment", secrets.Environment, "mode", settings.Mode, "sessionBackend", settings.SessionBackend)

	// ---- Clients ----
	repo, closeRepo, err := sessionRepository(ctx, settings, aws)
	if err != nil {
		fatal("failed to open session repository", err)
	}
	defer closeRepo()
	sessions := session.NewStore(repo)

	audioSvc, err := audio.New(settings.VoicesDir,
		audio.WithFFmpegPath(settings.FFmpegPath),
		audio.WithMaxFileSize(usecase.MaxVoiceFileSize),
	)
	if err != nil {
		fatal("failed to create audio service", err)
	}
	aiClient, err := openai.NewClient(secrets.OpenAIKey,
		openai.WithBaseURL(settings.OpenAIBaseURL),
		openai.WithChatModel(settings.ChatModel),
	)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}
	tg, err := telegram.New(secrets.TelegramToken, telegram.WithBaseURL(settings.TelegramBaseURL))
	if err != nil {
		fatal("failed to create Telegram client", err)
	}

	dispatcher, err := usecase.NewDispatcher(sessions, tg, tg, audioSvc, aiClient,
		usecase.WithProgressNotices(settings.ProgressNotices),
		usecase.WithMetrics(observe.DefaultMetrics()),
		usecase.WithStatusCode(openai.StatusCode),
	)
	if err != nil {
		fatal("failed to create dispatcher", err)
	}

	// ---- Run ----
	flush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	}

	switch settings.Mode {
	case config.ModeLambda:
		h, err := handler.NewHandler(dispatcher, settings.WebhookSecret)
		if err != nil {
			fatal("failed to create handler", err)
		}
		lambda.StartWithOptions(h.Handle, lambda.WithContext(ctx), lambda.WithEnableSIGTERM(flush))
	case config.ModePoll:
		err := runPoll(ctx, settings, tg, dispatcher)
		flush()
		if err != nil {
			closeRepo()
			fatal("poller stopped", err)
		}
		slog.Info("shutdown complete")
	}
}

type awsClients struct {
	ssm    *awsssm.Client
	dynamo *awsdynamodb.Client
}

// secretProvider returns the keyed store holding the required secrets. SSM
// parameters live under the configured prefix; a local file uses the dotted
// keys verbatim.
func secretProvider(s *config.Settings, aws *awsClients) (*config.Provider, error) {
	if s.ConfigSource == config.SourceFile {
		fs, err := config.NewFileStore(s.ConfigFile)
		if err != nil {
			return nil, err
		}
		return config.NewProvider(fs, "")
	}
	ssmClient, err := paramstore.New(aws.ssm)
	if err != nil {
		return nil, err
	}
	return config.NewProvider(ssmClient, s.ParamPrefix)
}

func sessionRepository(ctx context.Context, s *config.Settings, aws *awsClients) (session.Repository, func(), error) {
	noop := func() {}
	switch s.SessionBackend {
	case config.BackendDynamoDB:
		repo, err := repository.NewDynamo(aws.dynamo, s.StateTable)
		if err != nil {
			return nil, noop, err
		}
		return repo, noop, nil
	case config.BackendSQLite:
		repo, err := repository.OpenSQLite(ctx, s.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				slog.Warn("failed to close sqlite", "err", err)
			}
		}, nil
	default:
		return repository.NewMemory(), noop, nil
	}
}

func runPoll(ctx context.Context, s *config.Settings, tg *telegram.Client, d *usecase.Dispatcher) error {
	poller, err := bot.NewPoller(tg, d, bot.WithPollTimeout(s.PollTimeout))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("polling for updates")
		return poller.Run(gctx)
	})

	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: s.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			slog.Info("serving metrics", "addr", s.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
