// README: Provider handlers for joining and leaving the matching pool.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"movzz/internal/http/middleware"
	"movzz/internal/modules/booking"
	"movzz/internal/modules/matching"
	"movzz/internal/types"
)

type ProviderHandler struct {
	matching *matching.Service
}

func NewProviderHandler(svc *matching.Service) *ProviderHandler {
	return &ProviderHandler{matching: svc}
}

type onlineReq struct {
	Mode string  `json:"mode"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Online puts the calling provider into the pool at the reported position.
func (h *ProviderHandler) Online(c *gin.Context) {
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id := types.ID(middleware.CallerUID(c))
	err := h.matching.GoOnline(c.Request.Context(), matching.Candidate{
		ID:       id,
		Mode:     booking.TransportMode(req.Mode),
		Position: types.Point{Lat: req.Lat, Lng: req.Lng},
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"provider_id": id, "status": "online"})
}

func (h *ProviderHandler) Offline(c *gin.Context) {
	id := types.ID(middleware.CallerUID(c))
	if err := h.matching.GoOffline(c.Request.Context(), id); err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"provider_id": id, "status": "offline"})
}
