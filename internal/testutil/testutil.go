package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ascend.software/storefront/internal/paypal"
	"ascend.software/storefront/models"
	"ascend.software/storefront/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	TestClientID  = "test-client-id"
	TestSecretKey = "test-secret-key"
	TestJWTSecret = "test-jwt-secret-with-enough-entropy"

	BuyerEmail = "buyer@example.com"
)

// PayPalServer is a scripted stand-in for the PayPal REST API. Behaviour
// fields must be set before requests are issued.
type PayPalServer struct {
	*httptest.Server

	// OmitToken makes the token endpoint answer without an access_token.
	OmitToken bool
	// RejectOrder makes order creation answer 422 without an id.
	RejectOrder bool
	// CaptureStatus is reported by capture; defaults to COMPLETED.
	CaptureStatus string
	// Payer is reported by capture; nil omits payer details entirely.
	Payer *paypal.Payer

	TokenCalls   atomic.Int32
	CreateCalls  atomic.Int32
	CaptureCalls atomic.Int32

	mu        sync.Mutex
	orders    map[string]paypal.CreateOrderRequest
	captured  map[string]bool
	nextOrder int
}

// NewPayPalServer starts a fake gateway that is closed with the test.
func NewPayPalServer(t testing.TB) *PayPalServer {
	t.Helper()

	s := &PayPalServer{
		CaptureStatus: paypal.StatusCompleted,
		Payer: &paypal.Payer{
			PayerID:      "PAYER123",
			EmailAddress: BuyerEmail,
			Name:         &paypal.PayerName{GivenName: "Test", Surname: "Buyer"},
		},
		orders:   make(map[string]paypal.CreateOrderRequest),
		captured: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", s.token)
	mux.HandleFunc("POST /v2/checkout/orders", s.createOrder)
	mux.HandleFunc("POST /v2/checkout/orders/{id}/capture", s.capture)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Config returns gateway client settings pointing at the fake.
func (s *PayPalServer) Config() paypal.Config {
	return paypal.Config{
		ClientID:   TestClientID,
		SecretKey:  TestSecretKey,
		BaseURL:    s.URL,
		HTTPClient: s.Client(),
	}
}

// PayPal returns a gateway client pointing at the fake.
func (s *PayPalServer) PayPal() *paypal.Client {
	return paypal.NewClient(s.Config())
}

// Order returns the request body recorded for an order id.
func (s *PayPalServer) Order(id string) (paypal.CreateOrderRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	return order, ok
}

// SeedOrder registers an approved bundle order without going through
// creation.
func (s *PayPalServer) SeedOrder(id string) {
	s.SeedOrderFor(id, models.BundleProductID, "19.99")
}

// SeedOrderFor registers an approved order for a product at the given amount.
func (s *PayPalServer) SeedOrderFor(id, productID, amount string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id] = paypal.CreateOrderRequest{
		Intent: paypal.IntentCapture,
		PurchaseUnits: []paypal.PurchaseUnit{{
			ReferenceID: productID,
			Amount:      paypal.Amount{CurrencyCode: paypal.CurrencyUSD, Value: amount},
		}},
	}
}

func (s *PayPalServer) token(w http.ResponseWriter, r *http.Request) {
	s.TokenCalls.Add(1)

	clientID, secret, ok := r.BasicAuth()
	if !ok || clientID != TestClientID || secret != TestSecretKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_client",
			"error_description": "Client Authentication failed",
		})
		return
	}

	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	if s.OmitToken {
		writeJSON(w, http.StatusOK, map[string]string{"scope": "openid"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": "A21AAFakeAccessToken",
		"token_type":   "Bearer",
		"expires_in":   32400,
	})
}

func (s *PayPalServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer A21AAFakeAccessToken"
}

func (s *PayPalServer) createOrder(w http.ResponseWriter, r *http.Request) {
	s.CreateCalls.Add(1)

	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"name": "AUTHENTICATION_FAILURE"})
		return
	}

	var req paypal.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"name": "MALFORMED_REQUEST_JSON"})
		return
	}

	if s.RejectOrder {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"name":    "UNPROCESSABLE_ENTITY",
			"message": "The requested action could not be performed.",
			"details": []map[string]string{{"issue": "INVALID_CURRENCY_CODE"}},
		})
		return
	}

	s.mu.Lock()
	s.nextOrder++
	id := fmt.Sprintf("ORDER%04d", s.nextOrder)
	s.orders[id] = req
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"status": "CREATED",
		"links": []paypal.Link{
			{Href: s.URL + "/v2/checkout/orders/" + id, Rel: "self", Method: "GET"},
			{Href: "https://www.sandbox.paypal.com/checkoutnow?token=" + id, Rel: paypal.RelApprove, Method: "GET"},
			{Href: s.URL + "/v2/checkout/orders/" + id + "/capture", Rel: "capture", Method: "POST"},
		},
	})
}

func (s *PayPalServer) capture(w http.ResponseWriter, r *http.Request) {
	s.CaptureCalls.Add(1)

	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"name": "AUTHENTICATION_FAILURE"})
		return
	}

	id := r.PathValue("id")

	s.mu.Lock()
	order, known := s.orders[id]
	already := s.captured[id]
	if known && !already && s.CaptureStatus == paypal.StatusCompleted {
		s.captured[id] = true
	}
	s.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"name": "RESOURCE_NOT_FOUND"})
		return
	}
	if already {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"name":    "UNPROCESSABLE_ENTITY",
			"details": []map[string]string{{"issue": "ORDER_ALREADY_CAPTURED"}},
		})
		return
	}

	resp := map[string]interface{}{
		"id":     id,
		"status": s.CaptureStatus,
	}
	if s.Payer != nil {
		resp["payer"] = s.Payer
	}
	if s.CaptureStatus == paypal.StatusCompleted {
		units := make([]paypal.CapturedUnit, 0, len(order.PurchaseUnits))
		for i, unit := range order.PurchaseUnits {
			units = append(units, paypal.CapturedUnit{
				ReferenceID: unit.ReferenceID,
				Payments: &paypal.CapturedPayments{
					Captures: []paypal.CapturedPayment{{
						ID:     fmt.Sprintf("CAPTURE-%s-%d", id, i),
						Status: paypal.StatusCompleted,
						Amount: unit.Amount,
					}},
				},
			})
		}
		resp["purchase_units"] = units
	}
	writeJSON(w, http.StatusCreated, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestStorage creates an empty in-memory license store.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestLicense builds an unsaved license for a catalog product.
func CreateTestLicense(productID, email string, userID *string) *models.License {
	item, ok := models.FindCatalogItem(productID)
	if !ok {
		item = models.CatalogItem{ID: productID, Name: productID, Price: decimal.RequireFromString("1.00"), LicenseType: models.LicenseLifetime}
	}

	return &models.License{
		OrderID:        "ORDER-" + strings.ToUpper(models.NewLicenseID()[:8]),
		ProductID:      item.ID,
		ProductName:    item.Name,
		LicenseType:    item.LicenseType,
		Price:          item.Price,
		PurchaserName:  "Test Buyer",
		PurchaserEmail: email,
		UserID:         userID,
	}
}

// SaveTestLicense inserts a license and fails the test on error.
func SaveTestLicense(t testing.TB, store storage.Storage, license *models.License) *models.License {
	t.Helper()
	if err := store.InsertLicense(context.Background(), license); err != nil {
		t.Fatalf("Failed to save license: %v", err)
	}
	return license
}

// SignToken issues a session token the way the identity provider does.
func SignToken(t testing.TB, secret, userID, email string) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"role":  "authenticated",
		"aud":   "authenticated",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}
