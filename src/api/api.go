// Package api serves the HTTP admin interface for hooked modules.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/stake-plus/hayes/src/api/router"
	"github.com/stake-plus/hayes/src/modules/core"
)

// Options configures the admin server.
type Options struct {
	Addr      string
	JWTSecret string
	Origins   []string
	// RateLimit is the per-caller request budget per minute.
	RateLimit int
	DB        *gorm.DB
	Logger    *slog.Logger
}

// New returns the gin engine with every admin route attached.
func New(loader *core.Loader, opts Options) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), requestLog(opts.Logger))
	router.Attach(g, loader, opts.DB, []byte(opts.JWTSecret), opts.Origins, opts.RateLimit)
	return g
}

func requestLog(log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("api: request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)))
	}
}

// Serve runs the admin server until ctx is done, then shuts it down.
func Serve(ctx context.Context, loader *core.Loader, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	httpSrv := &http.Server{
		Addr:              opts.Addr,
		Handler:           New(loader, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	log.Info("api: listening", slog.String("addr", opts.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
