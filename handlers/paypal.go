package handlers

import (
	"net/http"

	"ascend.software/storefront/internal/auth"
	"ascend.software/storefront/internal/checkout"
	"ascend.software/storefront/internal/logger"
)

// CreatePayPalOrder opens a gateway order and returns its approval link.
func (s *Server) CreatePayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.CreateOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}

	if req.UserID == "" {
		if user, ok := auth.UserFromContext(r.Context()); ok {
			req.UserID = user.ID
		}
	}

	result, err := s.orders.CreateOrder(r.Context(), req)
	if err != nil {
		s.checkoutFailed(w, r, "create-paypal-order", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CapturePayPalOrder completes payment for an approved order and issues the
// license.
func (s *Server) CapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.CaptureOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}

	if req.UserID == "" {
		if user, ok := auth.UserFromContext(r.Context()); ok {
			req.UserID = user.ID
		}
	}

	result, err := s.captures.CaptureOrder(r.Context(), req)
	if err != nil {
		s.checkoutFailed(w, r, "capture-paypal-order", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// checkoutFailed reports every checkout failure as 400 with its message.
func (s *Server) checkoutFailed(w http.ResponseWriter, r *http.Request, operation string, err error) {
	logger.Warn("Checkout request failed", map[string]interface{}{
		"operation": operation,
		"error":     err.Error(),
	})
	reportError(r, err)
	writeErrorResponse(w, http.StatusBadRequest, err.Error())
}
