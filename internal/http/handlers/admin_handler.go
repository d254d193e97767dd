// README: Admin handlers: pricing audit lookup and publishing events through the hub.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"propmove/internal/modules/pricing"
	"propmove/internal/types"
)

type AuditReader interface {
	ListAudits(ctx context.Context, tripID types.ID) ([]pricing.Audit, error)
}

type AdminHandler struct {
	audits AuditReader
	hub    RealtimeHub
}

func NewAdminHandler(audits AuditReader, hub RealtimeHub) *AdminHandler {
	return &AdminHandler{audits: audits, hub: hub}
}

func (h *AdminHandler) PricingAudit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	list, err := h.audits.ListAudits(c.Request.Context(), types.ID(id))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if len(list) == 0 {
		writeError(c, http.StatusNotFound, "no pricing audit for trip")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": id, "audits": list})
}

// publishReq targets either one user or every subscriber of a role.
type publishReq struct {
	Event  string          `json:"event" binding:"required"`
	UserID string          `json:"user_id"`
	Role   string          `json:"role"`
	Data   json.RawMessage `json:"data"`
}

func (h *AdminHandler) Publish(c *gin.Context) {
	var req publishReq
	if !bindJSON(c, &req) {
		return
	}
	event := strings.TrimSpace(req.Event)
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	switch {
	case req.UserID != "" && req.Role == "":
		h.hub.SendToUser(types.ID(req.UserID), event, data)
	case req.Role != "" && req.UserID == "":
		h.hub.BroadcastToRole(types.Role(strings.ToLower(req.Role)), event, data)
	default:
		writeError(c, http.StatusBadRequest, "exactly one of user_id or role is required")
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"status": "queued"})
}
