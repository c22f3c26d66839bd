package handlers

import (
	"net/http"
	"strings"

	"ascend.software/storefront/internal/auth"
	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/models"
)

type LicenseRequest struct {
	LicenseKey string `json:"license_key"`
	ProductID  string `json:"product_id"`
}

type ValidateResponse struct {
	Valid     bool   `json:"valid"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
}

type ClaimResponse struct {
	Claimed int64 `json:"claimed"`
}

// ValidateLicense lets an installed product check a key offline from the
// account system. Unknown keys are reported as invalid, not as errors.
func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req LicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}

	key := strings.TrimSpace(req.LicenseKey)
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_key required")
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), key)
	if err != nil {
		logger.Error("Failed to look up license", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "failed to validate license")
		return
	}
	if license == nil {
		respondWithValidation(w, false, "License not found", "")
		return
	}

	if !license.Covers(req.ProductID) {
		respondWithValidation(w, false, "License not valid for this product", license.ProductID)
		return
	}

	respondWithValidation(w, true, "License valid", license.ProductID)
}

// ListLicenses returns the signed-in user's licenses, newest first.
func (s *Server) ListLicenses(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	licenses, err := s.Storage.ListLicenses(r.Context(), user.ID)
	if err != nil {
		logger.Error("Failed to list licenses", map[string]interface{}{
			"user_id": user.ID,
			"error":   err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "failed to list licenses")
		return
	}
	if licenses == nil {
		licenses = []*models.License{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"licenses": licenses,
	})
}

// ClaimLicenses links guest purchases made with the user's email to their
// account. Running it again claims nothing new.
func (s *Server) ClaimLicenses(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if strings.TrimSpace(user.Email) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "account has no email")
		return
	}

	claimed, err := s.Storage.ClaimLicenses(r.Context(), user.Email, user.ID)
	if err != nil {
		logger.Error("Failed to claim licenses", map[string]interface{}{
			"user_id": user.ID,
			"error":   err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "failed to claim licenses")
		return
	}

	if claimed > 0 {
		logger.Info("Claimed guest licenses", map[string]interface{}{
			"user_id": user.ID,
			"claimed": claimed,
		})
	}

	writeJSON(w, http.StatusOK, ClaimResponse{Claimed: claimed})
}

func respondWithValidation(w http.ResponseWriter, valid bool, message, productID string) {
	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:     valid,
		Message:   message,
		ProductID: productID,
	})
}
