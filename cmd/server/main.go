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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/gsignin/internal/authproxy"
	"github.com/mprlab/gsignin/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildTokenBroker = func(configuration authproxy.ServerConfig) authproxy.TokenBroker {
	return authproxy.NewGoogleTokenBroker(configuration)
}

var buildIdentityResolver = func() authproxy.IdentityResolver {
	return authproxy.NewGoogleIdentityResolver()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "gsignin",
		Short:   "Sign-in proxy that exchanges, refreshes, and verifies Google OAuth tokens for browser widgets",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("redirect_uri", "", "Default OAuth redirect URI when requests carry none")
	rootCmd.Flags().String("base_url", "", "Public base URL advertised to the widget; derived from the request when empty")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("disable_cors", false, "Disable CORS entirely; cross-origin widget embeddings will stop working")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Explicit CORS origins; empty or * allows every origin without credentials")
	rootCmd.Flags().Duration("state_ttl", 5*time.Minute, "Lifetime of issued sign-in state tokens")
	rootCmd.Flags().Float64("rate_limit_rps", 5, "Per-client sustained requests per second on auth endpoints")
	rootCmd.Flags().Int("rate_limit_burst", 10, "Per-client burst size on auth endpoints")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("google_client_id", rootCmd.Flags().Lookup("google_client_id"))
	_ = viper.BindPFlag("google_client_secret", rootCmd.Flags().Lookup("google_client_secret"))
	_ = viper.BindPFlag("redirect_uri", rootCmd.Flags().Lookup("redirect_uri"))
	_ = viper.BindPFlag("base_url", rootCmd.Flags().Lookup("base_url"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("disable_cors", rootCmd.Flags().Lookup("disable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("state_ttl", rootCmd.Flags().Lookup("state_ttl"))
	_ = viper.BindPFlag("rate_limit_rps", rootCmd.Flags().Lookup("rate_limit_rps"))
	_ = viper.BindPFlag("rate_limit_burst", rootCmd.Flags().Lookup("rate_limit_burst"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingGoogleClientID     = "config.missing_google_client_id"
	configCodeMissingGoogleClientSecret = "config.missing_google_client_secret"
	configCodeInvalidStateTTL           = "config.invalid_state_ttl"
	configCodeUninitializedServerConf   = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authproxy.ServerConfig, error) {
	googleClientID := viper.GetString("google_client_id")
	if googleClientID == "" {
		return authproxy.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_client_id must be provided")
	}

	googleClientSecret := viper.GetString("google_client_secret")
	if googleClientSecret == "" {
		return authproxy.ServerConfig{}, configError(configCodeMissingGoogleClientSecret, "google_client_secret must be provided")
	}

	stateTTL := viper.GetDuration("state_ttl")
	if stateTTL <= 0 {
		return authproxy.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	return authproxy.ServerConfig{
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		DefaultRedirectURI: viper.GetString("redirect_uri"),
		StateTTL:           stateTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authproxy.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	disableCORS := viper.GetBool("disable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.NoMethod(authproxy.MethodNotAllowedHandler())
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(zapLoggerMiddleware(logger))

	// CORS is on by default: the proxy exists to serve cross-origin widget
	// embeddings. With no explicit origins it allows every origin without
	// credentials, which the bearer-token endpoints do not need.
	if !disableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/widget/config.js", func(contextGin *gin.Context) {
		web.ServeWidgetConfig(contextGin, web.WidgetConfig{
			GoogleClientID: serverConfig.GoogleClientID,
			BaseURL:        viper.GetString("base_url"),
		})
	})

	broker := buildTokenBroker(serverConfig)
	identities := buildIdentityResolver()
	states := authproxy.NewMemoryStateStore(serverConfig.StateTTL)
	rateLimiter := authproxy.NewRateLimiter(authproxy.RateLimiterConfig{
		RequestsPerSecond: viper.GetFloat64("rate_limit_rps"),
		Burst:             viper.GetInt("rate_limit_burst"),
	})

	authGroup := router.Group("")
	authGroup.Use(rateLimiter.Middleware())
	authproxy.MountAuthRoutes(authGroup, serverConfig, broker, identities, states, logger)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
