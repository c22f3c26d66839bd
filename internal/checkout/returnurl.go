package checkout

import (
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// Query parameters carried through the gateway redirect. PayPal appends its
// own token and PayerID parameters; token is the order id.
const (
	paramProductID   = "product_id"
	paramProductName = "product_name"
	paramLicenseType = "license_type"
	paramPrice       = "price"
	paramUserID      = "user_id"
	paramOrderToken  = "token"
)

// PurchaseContext is the purchase metadata the storefront needs back after
// the buyer approves the payment.
type PurchaseContext struct {
	ProductID   string
	ProductName string
	LicenseType string
	Price       decimal.Decimal
	UserID      string
}

// FormatAmount renders a price with exactly two decimal places.
func FormatAmount(price decimal.Decimal) string {
	return price.StringFixed(2)
}

// EncodeReturnURL adds the purchase context to base, keeping any query
// parameters base already has.
func EncodeReturnURL(base string, pc PurchaseContext) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid return url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("return url must be absolute: %q", base)
	}

	q := u.Query()
	q.Set(paramProductID, pc.ProductID)
	q.Set(paramProductName, pc.ProductName)
	q.Set(paramLicenseType, pc.LicenseType)
	q.Set(paramPrice, FormatAmount(pc.Price))
	if pc.UserID != "" {
		q.Set(paramUserID, pc.UserID)
	} else {
		q.Del(paramUserID)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// DecodeReturnURL reads the purchase context and the gateway order token
// from the URL the buyer was sent back to.
func DecodeReturnURL(raw string) (PurchaseContext, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return PurchaseContext{}, "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	q := u.Query()
	pc := PurchaseContext{
		ProductID:   q.Get(paramProductID),
		ProductName: q.Get(paramProductName),
		LicenseType: q.Get(paramLicenseType),
		UserID:      q.Get(paramUserID),
	}

	if p := q.Get(paramPrice); p != "" {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return PurchaseContext{}, "", fmt.Errorf("%w: invalid price %q", ErrInvalidSession, p)
		}
		pc.Price = price
	}

	return pc, q.Get(paramOrderToken), nil
}

// CaptureRequest builds the capture call the storefront makes on return.
func (pc PurchaseContext) CaptureRequest(orderID string) CaptureOrderRequest {
	return CaptureOrderRequest{
		OrderID:     orderID,
		ProductID:   pc.ProductID,
		ProductName: pc.ProductName,
		LicenseType: pc.LicenseType,
		Price:       pc.Price,
		UserID:      pc.UserID,
	}
}
