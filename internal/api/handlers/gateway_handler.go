package handlers

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/livegate/livegate/backend/internal/gateway"
)

// GatewayHandler exposes admission-control state over the admin API.
type GatewayHandler struct {
	gw *gateway.Gateway
}

// NewGatewayHandler creates a new GatewayHandler.
func NewGatewayHandler(gw *gateway.Gateway) *GatewayHandler {
	return &GatewayHandler{gw: gw}
}

// GetMetrics returns the current gateway metrics snapshot.
func (h *GatewayHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.gw.Metrics())
}

// GetAuditLogs returns recent audit entries, optionally filtered.
func (h *GatewayHandler) GetAuditLogs(c *gin.Context) {
	criteria := gateway.AuditCriteria{
		EventType: c.Query("event_type"),
		IP:        c.Query("ip"),
		UserID:    c.Query("user_id"),
		Severity:  gateway.Severity(c.Query("severity")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		criteria.Since = t
	}

	if criteria != (gateway.AuditCriteria{}) {
		c.JSON(http.StatusOK, h.gw.AuditLogsByCriteria(criteria))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.gw.AuditLogs(limit))
}

// GetPolicy returns the active admission policy.
func (h *GatewayHandler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, h.gw.Policy())
}

// UpdatePolicy applies a partial policy update.
func (h *GatewayHandler) UpdatePolicy(c *gin.Context) {
	var patch gateway.PolicyPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy patch: " + err.Error()})
		return
	}
	if err := h.gw.UpdatePolicy(patch); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.gw.Policy())
}

type blockRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

// BlockIP blocks a source address and disconnects its live connections.
func (h *GatewayHandler) BlockIP(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip is required"})
		return
	}
	if net.ParseIP(req.IP) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "blocked by operator"
	}
	h.gw.BlockIP(req.IP, reason)
	c.JSON(http.StatusOK, gin.H{"ip": req.IP, "blocked": true})
}

// UnblockIP removes a manual or automatic block for a source address.
func (h *GatewayHandler) UnblockIP(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		return
	}
	h.gw.UnblockIP(ip)
	c.JSON(http.StatusOK, gin.H{"ip": ip, "blocked": false})
}
