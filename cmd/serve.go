package cmd

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authlibservice "github.com/vibast-solutions/lib-go-auth/service"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/controller"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/lock"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/plan"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/provider"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/repository"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/service"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/types"
	"github.com/vibast-solutions/ms-go-proxy-payments/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  "Start the HTTP (Echo) server exposing checkout, payment, wallet and webhook endpoints.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, paymentService, cleanup := mustCreatePaymentService()
	defer cleanup()

	paymentController := controller.NewPaymentController(paymentService)

	authGRPCClient, err := authclient.NewGRPCClientFromAddr(context.Background(), cfg.InternalEndpoints.AuthGRPCAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth gRPC client")
	}
	defer authGRPCClient.Close()

	internalAuthService := authlibservice.NewInternalAuthService(authGRPCClient)
	echoInternalAuthMiddleware := authmiddleware.NewEchoInternalAuthMiddleware(internalAuthService)

	e := setupHTTPServer(paymentController, echoInternalAuthMiddleware, cfg.App.ServiceName)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}

	logrus.Info("Server stopped")
}

func setupHTTPServer(
	paymentController *controller.PaymentController,
	internalAuthMiddleware *authmiddleware.EchoInternalAuthMiddleware,
	appServiceName string,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
				"request_id": v.RequestID,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())

	e.GET("/health", paymentController.Health)

	// Providers call webhooks directly; they are authenticated by signature only.
	webhooks := e.Group("/webhooks")
	webhooks.POST("/:provider", paymentController.HandleWebhook)

	internal := []echo.MiddlewareFunc{
		echomiddleware.CORS(),
		requireRequestID(),
		internalAuthMiddleware.RequireInternalAccess(appServiceName),
	}

	payments := e.Group("/payments", internal...)
	payments.POST("/deposits", paymentController.CreateDeposit)
	payments.POST("/purchases", paymentController.CreatePurchase)
	payments.GET("", paymentController.ListPayments)
	payments.GET("/:order_id", paymentController.GetPayment)
	payments.POST("/:order_id/verify", paymentController.VerifyPayment)
	payments.GET("/:order_id/transactions", paymentController.ListTransactions)

	users := e.Group("/users", internal...)
	users.GET("/:user_id/wallet", paymentController.GetWallet)
	users.GET("/:user_id/plans", paymentController.ListPlans)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func mustCreatePaymentService() (*config.Config, *service.PaymentService, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	locker, closeLocker := mustCreateLocker(cfg)
	providerRegistry := provider.NewRegistry(mustCreateProviders(cfg)...)
	logrus.WithField("providers", providerRegistry.Codes()).Info("Payment providers enabled")

	paymentService := service.NewPaymentService(
		repository.NewGateway(db),
		providerRegistry,
		plan.DefaultCatalog(),
		locker,
		cfg.Payments,
		cfg.App.BaseURL,
	)

	cleanup := func() {
		closeLocker()
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return cfg, paymentService, cleanup
}

func mustCreateProviders(cfg *config.Config) []provider.Provider {
	providers := make([]provider.Provider, 0, len(cfg.Payments.EnabledProviders))
	for _, name := range cfg.Payments.EnabledProviders {
		switch entity.Provider(name) {
		case entity.ProviderStripe:
			stripeProvider, err := provider.NewStripeProvider(provider.StripeConfig{
				SecretKey:        cfg.Stripe.SecretKey,
				WebhookSecret:    cfg.Stripe.WebhookSecret,
				WebhookTolerance: time.Duration(cfg.Stripe.SignatureToleranceSeconds) * time.Second,
				HTTPTimeout:      cfg.Stripe.HTTPTimeout,
			})
			if err != nil {
				logrus.WithError(err).Fatal("Failed to configure stripe provider")
			}
			providers = append(providers, stripeProvider)
		case entity.ProviderCryptomus:
			cryptomusProvider, err := provider.NewCryptomusProvider(provider.CryptomusConfig{
				MerchantID:  cfg.Cryptomus.MerchantID,
				PaymentKey:  cfg.Cryptomus.PaymentKey,
				BaseURL:     cfg.Cryptomus.APIBaseURL,
				CallbackURL: cfg.Cryptomus.CallbackURL,
				HTTPTimeout: cfg.Cryptomus.HTTPTimeout,
			})
			if err != nil {
				logrus.WithError(err).Fatal("Failed to configure cryptomus provider")
			}
			providers = append(providers, cryptomusProvider)
		default:
			logrus.WithField("provider", name).Warn("Ignoring unknown payment provider")
		}
	}
	if len(providers) == 0 {
		logrus.Fatal("No payment providers enabled")
	}
	return providers
}

func mustCreateLocker(cfg *config.Config) (lock.Locker, func()) {
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		logrus.Warn("REDIS_URL is not set, order locks are disabled")
		return lock.NoopLocker{}, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to redis")
	}

	locker := lock.NewRedisLocker(client, cfg.App.ServiceName+":lock:", cfg.Redis.LockTTL)
	return locker, func() {
		if err := client.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close redis client")
		}
	}
}
