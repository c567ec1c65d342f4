// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"movzz/internal/http/handlers"
	"movzz/internal/http/middleware"
	"movzz/internal/infra"
	"movzz/internal/modules/booking"
	"movzz/internal/modules/matching"
	"movzz/internal/modules/notify"
)

type RouterDeps struct {
	Booking  *booking.Service
	Matching *matching.Service
	Credits  handlers.CreditLister
	Hub      *notify.Hub
	Verifier infra.TokenVerifier
	Checks   map[string]handlers.Check
}

func NewRouter(d RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logging())

	r.GET("/health", handlers.NewHealthHandler(d.Checks).Health)

	api := r.Group("/api/v1", middleware.Auth(d.Verifier))

	bookingHandler := handlers.NewBookingHandler(d.Booking, d.Credits)
	api.POST("/bookings", bookingHandler.Create)
	api.GET("/bookings", bookingHandler.List)
	if d.Hub != nil {
		api.GET("/bookings/stream", handlers.NewStreamHandler(d.Hub).Stream)
	}
	api.GET("/bookings/:id", bookingHandler.Get)
	api.GET("/bookings/:id/status", bookingHandler.Status)
	api.PATCH("/bookings/:id/cancel", bookingHandler.Cancel)
	api.POST("/bookings/:id/complete", bookingHandler.Complete)
	api.GET("/credits", bookingHandler.Credits)

	if d.Matching != nil {
		providerHandler := handlers.NewProviderHandler(d.Matching)
		providers := api.Group("/providers", middleware.RequireRole(middleware.RoleProvider))
		providers.POST("/online", providerHandler.Online)
		providers.POST("/offline", providerHandler.Offline)
	}

	admin := api.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.POST("/bookings/:id/confirm", bookingHandler.Confirm)

	return r
}
