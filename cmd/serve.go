package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/engines"
	"github.com/zhishengyuan/searchgram-index/handlers"
	"github.com/zhishengyuan/searchgram-index/indexer"
	"github.com/zhishengyuan/searchgram-index/jwt"
	"github.com/zhishengyuan/searchgram-index/middleware"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Open the configured index and serve the HTTP API under /api/v1.

The server speaks HTTP/1.1 and HTTP/2 cleartext (h2c) and shuts down
gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(cmd.Context(), *configPath, func(cfg *config.Config, ix *indexer.Indexer) error {
				router, err := newRouter(cfg, ix)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg, router)
			})
		},
	}
}

// newRouter builds the gin engine with the global middleware and every route.
func newRouter(cfg *config.Config, ix *indexer.Indexer) (*gin.Engine, error) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.APIKeyAuth(cfg.Auth.Enabled, cfg.Auth.APIKey))

	v1 := router.Group("/api/v1")
	var scope func(string) gin.HandlerFunc
	if cfg.Auth.UseJWT {
		auth, err := jwt.NewJWTAuth(cfg.JWTConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JWT auth: %w", err)
		}
		v1.Use(auth.Middleware(cfg.Auth.AllowedIssuers))
		scope = jwt.RequireScope
	}

	diskPath := ""
	if engines.Local(cfg.Index.Engine) {
		diskPath = cfg.Index.Location
	}
	handlers.NewAPIHandler(ix, diskPath).Routes(v1, scope)

	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "SearchGram Index",
			"version": Version,
			"engine":  ix.Engine(),
			"status":  "running",
		})
	})

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
		})
	})

	return router, nil
}

// serve runs the h2c server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(log.Fields{
			"host":     cfg.Server.Host,
			"port":     cfg.Server.Port,
			"engine":   cfg.Index.Engine,
			"analyzer": cfg.Index.Analyzer,
			"http2":    true,
		}).Info("Starting SearchGram Index with HTTP/2 support")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Server forced to shutdown")
			return err
		}
		log.Info("Server exited")
		return nil
	})

	return g.Wait()
}
