package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/livegate/livegate/backend/internal/api/handlers"
	"github.com/livegate/livegate/backend/internal/gateway"
	"github.com/livegate/livegate/backend/internal/models"
	"github.com/livegate/livegate/backend/internal/ws"
)

// Register wires up API routes and performs automatic migrations.
func Register(router *gin.Engine, db *gorm.DB, gw *gateway.Gateway, wsServer *ws.Server, registry *prometheus.Registry) error {
	if db != nil {
		if err := db.AutoMigrate(&models.AuditEntry{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	router.GET("/api/v1/health", handlers.HealthHandler)
	router.GET("/ws", wsServer.HandleWS)

	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")

	gwHandler := handlers.NewGatewayHandler(gw)
	gwGroup := api.Group("/gateway")
	{
		gwGroup.GET("/metrics", gwHandler.GetMetrics)
		gwGroup.GET("/audit", gwHandler.GetAuditLogs)
		gwGroup.GET("/policy", gwHandler.GetPolicy)
		gwGroup.PATCH("/policy", gwHandler.UpdatePolicy)
		gwGroup.POST("/blocks", gwHandler.BlockIP)
		gwGroup.DELETE("/blocks/:ip", gwHandler.UnblockIP)
	}

	return nil
}
