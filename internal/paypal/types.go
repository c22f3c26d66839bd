package paypal

import "encoding/json"

const (
	IntentCapture = "CAPTURE"

	LandingPageNoPreference = "NO_PREFERENCE"
	UserActionPayNow        = "PAY_NOW"

	StatusCompleted = "COMPLETED"

	RelApprove = "approve"

	CurrencyUSD = "USD"
)

type Amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type PurchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      Amount `json:"amount"`
}

type ApplicationContext struct {
	BrandName   string `json:"brand_name,omitempty"`
	LandingPage string `json:"landing_page,omitempty"`
	UserAction  string `json:"user_action,omitempty"`
	ReturnURL   string `json:"return_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
}

// CreateOrderRequest is the body of POST /v2/checkout/orders.
type CreateOrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []PurchaseUnit      `json:"purchase_units"`
	ApplicationContext *ApplicationContext `json:"application_context,omitempty"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// Order is the create-order response. ID is empty when PayPal rejected the
// request; Raw always carries the undecoded body.
type Order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []Link `json:"links"`

	Raw json.RawMessage `json:"-"`
}

// ApproveURL returns the buyer approval link or "" when absent.
func (o *Order) ApproveURL() string {
	for _, link := range o.Links {
		if link.Rel == RelApprove {
			return link.Href
		}
	}
	return ""
}

type PayerName struct {
	GivenName string `json:"given_name"`
	Surname   string `json:"surname"`
}

type Payer struct {
	PayerID      string     `json:"payer_id"`
	EmailAddress string     `json:"email_address"`
	Name         *PayerName `json:"name"`
}

type CapturedPayment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Amount `json:"amount"`
}

type CapturedPayments struct {
	Captures []CapturedPayment `json:"captures"`
}

// CapturedUnit is a purchase unit as reported after capture.
type CapturedUnit struct {
	ReferenceID string            `json:"reference_id"`
	Payments    *CapturedPayments `json:"payments,omitempty"`
}

// Capture is the capture-order response.
type Capture struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Payer         *Payer         `json:"payer"`
	PurchaseUnits []CapturedUnit `json:"purchase_units"`

	Raw json.RawMessage `json:"-"`
}

// Completed reports whether the payment reached its terminal success state.
func (c *Capture) Completed() bool {
	return c.Status == StatusCompleted
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}
