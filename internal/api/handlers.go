package api

import (
	"errors"
	"net/http"

	"github.com/annel0/mmo-zones/internal/handoff"
	"github.com/annel0/mmo-zones/internal/supervisor"
	"github.com/annel0/mmo-zones/internal/zone"
	"github.com/gin-gonic/gin"
)

// TransferRequest тело POST /players/:name/transfer
type TransferRequest struct {
	Zone   string `json:"zone" binding:"required"`
	Anchor string `json:"anchor"`
	ConnID string `json:"conn_id"`
}

// ZoneResponse состояние процесса зоны
type ZoneResponse struct {
	zone.StateSnapshot
	Uptime string                 `json:"uptime"`
	Memory map[string]interface{} `json:"memory"`
}

// ZonesResponse топология и состояние дочерних процессов
type ZonesResponse struct {
	Active       bool                     `json:"active"`
	BasePort     uint16                   `json:"base_port"`
	IntervalMain string                   `json:"interval_main"`
	Main         zone.Definition          `json:"main"`
	SubZones     []zone.Definition        `json:"sub_zones"`
	Children     []supervisor.ChildStatus `json:"children,omitempty"`
	Self         supervisor.ProcessStats  `json:"self"`
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	snap := rs.backend.Snapshot()
	code, status := http.StatusOK, "ok"
	if !snap.Active {
		code, status = http.StatusServiceUnavailable, "inactive"
	}
	c.JSON(code, gin.H{
		"status": status,
		"zone":   snap.Zone.Name,
		"role":   snap.Role,
	})
}

func (rs *RestServer) handleZone(c *gin.Context) {
	c.JSON(http.StatusOK, ZoneResponse{
		StateSnapshot: rs.backend.Snapshot(),
		Uptime:        rs.metrics.GetUptime(),
		Memory:        rs.metrics.GetDetailedMemoryStats(),
	})
}

func (rs *RestServer) handleZones(c *gin.Context) {
	topo := rs.backend.Topology()
	c.JSON(http.StatusOK, ZonesResponse{
		Active:       topo.Active,
		BasePort:     topo.BasePort,
		IntervalMain: topo.IntervalMain.String(),
		Main:         topo.Main,
		SubZones:     topo.SubZones,
		Children:     rs.backend.Children(),
		Self:         supervisor.SelfStats(),
	})
}

func (rs *RestServer) handleAnchors(c *gin.Context) {
	entries := rs.backend.Anchors()
	c.JSON(http.StatusOK, gin.H{"anchors": entries, "total": len(entries)})
}

func (rs *RestServer) handleHeartbeat(c *gin.Context) {
	view, err := rs.backend.Heartbeat(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, GenericResponse{
			Success: false,
			Message: "Хранилище heartbeat недоступно: " + err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (rs *RestServer) handlePlayers(c *gin.Context) {
	sessions := rs.backend.Sessions()
	c.JSON(http.StatusOK, gin.H{"players": sessions, "total": len(sessions)})
}

// handleTransfer отправляет игроку директиву перехода
func (rs *RestServer) handleTransfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса: " + err.Error(),
		})
		return
	}

	player := c.Param("name")
	err := rs.backend.Transfer(c.Request.Context(), req.ConnID, player, req.Zone, req.Anchor)

	var unknown *zone.UnknownZoneError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, GenericResponse{
			Success: true,
			Message: "Директива перехода отправлена",
			Data:    gin.H{"player": player, "zone": req.Zone, "anchor": req.Anchor},
		})
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: err.Error()})
	case errors.Is(err, handoff.ErrConnMismatch):
		c.JSON(http.StatusForbidden, GenericResponse{Success: false, Message: err.Error()})
	case errors.Is(err, handoff.ErrPlayerOffline):
		c.JSON(http.StatusConflict, GenericResponse{Success: false, Message: err.Error()})
	default:
		rs.logger.Error("❌ Переход %s в %s: %v", player, req.Zone, err)
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: err.Error()})
	}
}
