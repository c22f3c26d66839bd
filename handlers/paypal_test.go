package handlers

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ascend.software/storefront/internal/testutil"
)

func orderBody() map[string]interface{} {
	return map[string]interface{}{
		"product_id":   "bundle",
		"product_name": "Ascend Full Bundle",
		"license_type": "lifetime",
		"price":        "19.99",
		"return_url":   "https://ascend.example/success",
		"cancel_url":   "https://ascend.example/cancel",
	}
}

func captureBody(orderID string) map[string]interface{} {
	return map[string]interface{}{
		"order_id":     orderID,
		"product_id":   "bundle",
		"product_name": "Ascend Full Bundle",
		"license_type": "lifetime",
		"price":        "19.99",
	}
}

func TestCreatePayPalOrder_Success(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodPost, "/create-paypal-order", orderBody(), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	orderID, _ := body["order_id"].(string)
	require.NotEmpty(t, orderID)
	assert.Contains(t, body["approve_url"], "checkoutnow?token="+orderID)

	order, ok := ts.paypal.Order(orderID)
	require.True(t, ok)
	require.Len(t, order.PurchaseUnits, 1)
	assert.Equal(t, "19.99", order.PurchaseUnits[0].Amount.Value)
}

func TestCreatePayPalOrder_SessionUserInReturnURL(t *testing.T) {
	ts := newTestServer(t, nil)
	token := testutil.SignToken(t, testutil.TestJWTSecret, "user-42", testutil.BuyerEmail)

	w := ts.do(http.MethodPost, "/create-paypal-order", orderBody(), token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	order, ok := ts.paypal.Order(decodeBody(t, w)["order_id"].(string))
	require.True(t, ok)
	require.NotNil(t, order.ApplicationContext)

	returnURL, err := url.Parse(order.ApplicationContext.ReturnURL)
	require.NoError(t, err)
	assert.Equal(t, "user-42", returnURL.Query().Get("user_id"))
}

func TestCreatePayPalOrder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    interface{}
		setup   func(*testutil.PayPalServer)
		message string
	}{
		{
			name:    "malformed body",
			body:    "{not json",
			message: "invalid request body",
		},
		{
			name: "missing return url",
			body: func() map[string]interface{} {
				b := orderBody()
				delete(b, "return_url")
				return b
			}(),
			message: "invalid request: missing return_url",
		},
		{
			name: "unknown product",
			body: func() map[string]interface{} {
				b := orderBody()
				b["product_id"] = "toaster"
				return b
			}(),
			message: "unknown product",
		},
		{
			name:    "no access token",
			body:    orderBody(),
			setup:   func(s *testutil.PayPalServer) { s.OmitToken = true },
			message: "failed to get PayPal access token",
		},
		{
			name:    "order rejected",
			body:    orderBody(),
			setup:   func(s *testutil.PayPalServer) { s.RejectOrder = true },
			message: "failed to create PayPal order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			if tt.setup != nil {
				tt.setup(ts.paypal)
			}

			w := ts.do(http.MethodPost, "/create-paypal-order", tt.body, "")
			require.Equal(t, http.StatusBadRequest, w.Code)

			message, _ := decodeBody(t, w)["error"].(string)
			assert.Contains(t, message, tt.message)
		})
	}
}

func TestCapturePayPalOrder_Guest(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.paypal.SeedOrder("ORDER-GUEST")

	w := ts.do(http.MethodPost, "/capture-paypal-order", captureBody("ORDER-GUEST"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, testutil.BuyerEmail, body["payer_email"])
	assert.Equal(t, "Test Buyer", body["payer_name"])

	license, err := ts.store.FindLicenseByOrderID(t.Context(), "ORDER-GUEST")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.Equal(t, body["license_key"], license.Key)
	assert.Nil(t, license.UserID)
}

func TestCapturePayPalOrder_SignedInUser(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.paypal.SeedOrder("ORDER-USER")
	token := testutil.SignToken(t, testutil.TestJWTSecret, "user-7", "someone@example.com")

	w := ts.do(http.MethodPost, "/capture-paypal-order", captureBody("ORDER-USER"), token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	license, err := ts.store.FindLicenseByOrderID(t.Context(), "ORDER-USER")
	require.NoError(t, err)
	require.NotNil(t, license)
	require.NotNil(t, license.UserID)
	assert.Equal(t, "user-7", *license.UserID)
}

func TestCapturePayPalOrder_Retry(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.paypal.SeedOrder("ORDER-RETRY")

	first := ts.do(http.MethodPost, "/capture-paypal-order", captureBody("ORDER-RETRY"), "")
	require.Equal(t, http.StatusOK, first.Code)

	second := ts.do(http.MethodPost, "/capture-paypal-order", captureBody("ORDER-RETRY"), "")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, decodeBody(t, first)["license_key"], decodeBody(t, second)["license_key"])
	assert.Equal(t, 1, ts.store.Len())
	assert.EqualValues(t, 1, ts.paypal.CaptureCalls.Load())
}

func TestCapturePayPalOrder_NotCompleted(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.paypal.SeedOrder("ORDER-PENDING")
	ts.paypal.CaptureStatus = "PAYER_ACTION_REQUIRED"

	w := ts.do(http.MethodPost, "/capture-paypal-order", captureBody("ORDER-PENDING"), "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	message, _ := decodeBody(t, w)["error"].(string)
	assert.Contains(t, message, "payment not completed")
	assert.Equal(t, 0, ts.store.Len())
}

func TestCapturePayPalOrder_InvalidSession(t *testing.T) {
	ts := newTestServer(t, nil)

	body := captureBody("")
	w := ts.do(http.MethodPost, "/capture-paypal-order", body, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	message, _ := decodeBody(t, w)["error"].(string)
	assert.Contains(t, message, "invalid payment session")
	assert.EqualValues(t, 0, ts.paypal.TokenCalls.Load())
}

func TestCapturePayPalOrder_ProductSwapRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	body := orderBody()
	body["product_id"] = "windows"
	body["product_name"] = "Ascend Windows Utility"
	body["price"] = "9.99"

	w := ts.do(http.MethodPost, "/create-paypal-order", body, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	orderID := decodeBody(t, w)["order_id"].(string)

	w = ts.do(http.MethodPost, "/capture-paypal-order", captureBody(orderID), "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	message, _ := decodeBody(t, w)["error"].(string)
	assert.Contains(t, message, "invalid payment session")
	assert.Equal(t, 0, ts.store.Len())
}
