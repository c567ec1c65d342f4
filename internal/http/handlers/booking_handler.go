// README: Booking handlers for create/list/get/cancel/complete and the admin confirm.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"movzz/internal/http/middleware"
	"movzz/internal/modules/booking"
	"movzz/internal/modules/compensation"
	"movzz/internal/types"
)

// CreditLister is implemented by *compensation.Service.
type CreditLister interface {
	ListByUser(ctx context.Context, userID types.ID) ([]compensation.Credit, error)
}

type BookingHandler struct {
	bookings *booking.Service
	credits  CreditLister
}

func NewBookingHandler(svc *booking.Service, credits CreditLister) *BookingHandler {
	return &BookingHandler{bookings: svc, credits: credits}
}

type createBookingReq struct {
	Pickup         *types.Point `json:"pickup"`
	Dropoff        *types.Point `json:"dropoff"`
	PickupAddress  string       `json:"pickup_address"`
	DropoffAddress string       `json:"dropoff_address"`
	TransportMode  string       `json:"transport_mode"`
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Pickup == nil || req.Dropoff == nil {
		writeError(c, http.StatusBadRequest, "pickup and dropoff are required")
		return
	}
	id, err := h.bookings.CreateAndSchedule(c.Request.Context(), booking.CreateCommand{
		UserID:         types.ID(middleware.CallerUID(c)),
		UserPhone:      middleware.CallerPhone(c),
		Pickup:         *req.Pickup,
		Dropoff:        *req.Dropoff,
		PickupAddress:  req.PickupAddress,
		DropoffAddress: req.DropoffAddress,
		TransportMode:  booking.TransportMode(req.TransportMode),
	})
	if err != nil {
		if id != "" {
			// created but the timeout could not be scheduled; the booking was failed
			_ = c.Error(err)
			writeJSON(c, http.StatusServiceUnavailable, gin.H{
				"booking_id": id,
				"state":      booking.StateFailed,
				"error":      "booking could not be scheduled",
			})
			return
		}
		writeBookingError(c, err)
		return
	}
	// a miss hands the booking to the recovery queue; neither outcome fails the request
	if _, err := h.bookings.AssignProvider(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
	}
	b, err := h.bookings.Get(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, http.StatusCreated, gin.H{"booking_id": id, "state": booking.StateSearching})
		return
	}
	writeJSON(c, http.StatusCreated, b)
}

func (h *BookingHandler) List(c *gin.Context) {
	list, err := h.bookings.ListByUser(c.Request.Context(), types.ID(middleware.CallerUID(c)), listLimit(c))
	if err != nil {
		writeBookingError(c, err)
		return
	}
	if list == nil {
		list = []booking.Booking{}
	}
	writeJSON(c, http.StatusOK, gin.H{"bookings": list})
}

func (h *BookingHandler) Get(c *gin.Context) {
	b, ok := h.ownedBooking(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, b)
}

// Status is the polling view of a booking; clients stop once terminal is true.
func (h *BookingHandler) Status(c *gin.Context) {
	b, ok := h.ownedBooking(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"booking_id":        b.ID,
		"state":             b.State,
		"terminal":          b.State.Terminal(),
		"provider_id":       b.ProviderID,
		"recovery_attempts": b.RecoveryAttempts,
		"updated_at":        b.UpdatedAt,
	})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	var req cancelReq
	// body is optional
	_ = c.ShouldBindJSON(&req)
	err := h.bookings.Cancel(c.Request.Context(), booking.CancelCommand{
		BookingID: types.ID(id),
		UserID:    types.ID(middleware.CallerUID(c)),
		Reason:    req.Reason,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"booking_id": id, "state": booking.StateCancelled})
}

func (h *BookingHandler) Complete(c *gin.Context) {
	b, ok := h.ownedBooking(c)
	if !ok {
		return
	}
	if err := h.bookings.Complete(c.Request.Context(), b.ID); err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"booking_id": b.ID, "state": booking.StateCompleted})
}

type confirmReq struct {
	ProviderID string `json:"provider_id"`
}

// Confirm is the operator path for bookings a provider accepted out of band.
func (h *BookingHandler) Confirm(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	var req confirmReq
	if err := c.ShouldBindJSON(&req); err != nil || req.ProviderID == "" {
		writeError(c, http.StatusBadRequest, "provider_id is required")
		return
	}
	if err := h.bookings.Confirm(c.Request.Context(), types.ID(id), req.ProviderID); err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"booking_id": id, "state": booking.StateConfirmed, "provider_id": req.ProviderID})
}

func (h *BookingHandler) Credits(c *gin.Context) {
	if h.credits == nil {
		writeJSON(c, http.StatusOK, gin.H{"credits": []compensation.Credit{}})
		return
	}
	list, err := h.credits.ListByUser(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeBookingError(c, err)
		return
	}
	if list == nil {
		list = []compensation.Credit{}
	}
	writeJSON(c, http.StatusOK, gin.H{"credits": list})
}

// ownedBooking loads :id and hides bookings of other users unless the caller is an admin.
func (h *BookingHandler) ownedBooking(c *gin.Context) (*booking.Booking, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return nil, false
	}
	b, err := h.bookings.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeBookingError(c, err)
		return nil, false
	}
	if string(b.UserID) != middleware.CallerUID(c) && middleware.CallerRole(c) != middleware.RoleAdmin {
		writeError(c, http.StatusNotFound, booking.ErrNotFound.Error())
		return nil, false
	}
	return b, true
}
