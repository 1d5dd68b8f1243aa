// Package api exposes the decision queries and the mutation boundary of a
// running Cortex over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/metrics"
	"nerdkernel/internal/system"
)

const shutdownTimeout = 5 * time.Second

// NewRouter builds the gin engine with every route registered.
func NewRouter(cx *system.Cortex) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	SetupRoutes(router, cx)
	return router
}

// SetupRoutes registers the API on router.
func SetupRoutes(router *gin.Engine, cx *system.Cortex) {
	router.GET("/healthz", HealthCheck(cx))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/next-action", GetNextAction(cx))
		v1.GET("/delegate-task", GetDelegateTask(cx))
		v1.GET("/final-action/:id", GetFinalAction(cx))
		v1.GET("/context/:shard", GetContext(cx))
		v1.GET("/denials", GetDenials(cx))
		v1.POST("/facts", PostFacts(cx))
		v1.POST("/intents", PostIntent(cx))
		v1.POST("/tasks/:id/cancel", CancelTask(cx))
		v1.POST("/tasks/:id/resolve", ResolveTask(cx))
		v1.POST("/phases/:id/skip", SkipPhase(cx))

		campaigns := v1.Group("/campaigns")
		{
			campaigns.POST("/:id/pause", PauseCampaign(cx))
			campaigns.POST("/:id/resume", ResumeCampaign(cx))
			campaigns.POST("/:id/replan", ReplanCampaign(cx))
		}

		appeals := v1.Group("/appeals")
		{
			appeals.POST("", PostAppeal(cx))
			appeals.POST("/:id/grant", GrantAppeal(cx))
			appeals.POST("/:id/deny", DenyAppeal(cx))
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.APIDebug("%s %s -> %d (%v)", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Serve runs the API on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, cx *system.Cortex) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(cx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("Decision API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
