package payments

import "github.com/gin-gonic/gin"

// RegisterPaymentRoutes wires the payment endpoints. The callback route is
// deliberately outside the authenticated group: the gateway calls it with no
// credentials, and a record matching the correlation id is the only
// acceptance criterion.
func RegisterPaymentRoutes(r *gin.Engine, protected *gin.RouterGroup, h *Handler) {
	r.POST("/mpesa/callback", h.MpesaCallback)

	protected.POST("/initiate-mpesa-payment", h.InitiateMpesaPayment)
	protected.GET("/payments/:checkout_request_id/status", h.PaymentStatus)
}
