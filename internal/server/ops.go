package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// runOps 起一个只读的运维端点：健康检查与连接统计。
// 默认关闭；监听地址应限制在回环或内网。
func (s *Server) runOps(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"active_connections": s.mgr.Active(),
			"total_connections":  s.mgr.Total(),
		})
	})

	addr := s.cfg.Ops.Listen
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("ops endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Warn("ops endpoint exited", zap.Error(err))
	}
}
