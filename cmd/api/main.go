package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/checkout/internal/di"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	environmentLocal      = "local"
	traceOperation        = "checkout-api"
	secretHealthReference = "secret://system/healthz?version=latest"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromConfig(cfg, startedAt)

	containerOpts := []di.Option{
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
	}
	if secretProject(envValues) != "" {
		containerOpts = append(containerOpts, di.WithHealthChecks(secretManagerCheck(fetcher)))
	}
	container, err := di.NewContainer(ctx, cfg, containerOpts...)
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	if store, ok := container.Repositories.(*memory.Store); ok && !strings.EqualFold(envValues["API_LOCAL_SEED"], "false") {
		seedLocalCatalog(store, startedAt)
		logger.Info("memory store seeded with local catalog")
	}

	idempotencyStore := container.Idempotency
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	authenticator, err := newAuthenticator(ctx, cfg, logger.Named("auth"))
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err))
	}

	orderService := container.Services.Orders
	orderHandlers := handlers.NewOrderHandlers(orderService, handlers.WithOrderIdempotency(idempotencyMiddleware))
	checkoutHandlers := handlers.NewCheckoutHandlers(orderService)
	adminHandlers := handlers.NewAdminOrderHandlers(orderService)
	couponHandlers := handlers.NewCouponHandlers(container.Services.Catalog)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(traceOperation),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware,
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithRequestTimeout(cfg.Server.RequestTimeout))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithAuthMiddlewares(authenticator.Authenticate))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	opts = append(opts, handlers.WithAdminMiddlewares(auth.RequireRoles(cfg.Security.AdminRoles...)))
	opts = append(opts, handlers.WithCouponRoutes(couponHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes, couponHandlers.AdminRoutes))

	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		parser, err := payments.NewStripeWebhook(secret, 0)
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
		}
		webhookHandlers := handlers.NewPaymentWebhookHandlers(parser, orderService,
			handlers.WithWebhookDedupe(idempotencyStore),
		)
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	} else {
		logger.Warn("stripe webhook secret not configured; payment webhooks disabled")
	}

	router := handlers.NewRouter(opts...)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening",
			zap.String("store", cfg.Store.Backend),
			zap.String("notifier", cfg.Notifier.Backend),
			zap.String("idempotency", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromConfig(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(cfg.Build.Version)
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(cfg.Build.CommitSHA)
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = environmentLocal
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newAuthenticator uses Firebase when a project is configured. The local environment without a
// project falls back to LocalVerifier so the API can be exercised with plain "uid:role" tokens.
func newAuthenticator(ctx context.Context, cfg config.Config, logger *zap.Logger) (*auth.Authenticator, error) {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		if !strings.EqualFold(cfg.Security.Environment, environmentLocal) {
			return nil, errors.New("firebase project id is required outside the local environment")
		}
		logger.Warn("using local token verifier; do not expose this instance")
		return auth.NewAuthenticator(auth.LocalVerifier{}), nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(verifier), nil
}

// secretManagerCheck treats a missing probe secret as healthy; only transport and auth failures count.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(errors.Unwrap(err)); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project := secretProject(env); project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if fallback := parseKeyValueList(env["API_SECRET_FALLBACK"]); len(fallback) > 0 {
		opts = append(opts, secrets.WithFallback(fallback))
	}
	if ttl, err := time.ParseDuration(strings.TrimSpace(env["API_SECRET_CACHE_TTL"])); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := strings.TrimSpace(env["API_FIREBASE_CREDENTIALS_FILE"]); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func secretProject(env map[string]string) string {
	if project := strings.TrimSpace(env["API_SECRET_DEFAULT_PROJECT_ID"]); project != "" {
		return project
	}
	return strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"])
}

// requiredSecretNames lists the secrets startup must resolve. Local runs may omit the webhook secret.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment != "" && environment != environmentLocal {
		required = append(required, "PSP.StripeWebhookSecret")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_IDEMPOTENCY_BACKEND"]), config.IdempotencyBackendRedis) &&
		strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Idempotency.Redis.Password")
	}
	return uniqueStrings(required)
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
