package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// License is a durable proof of purchase. Product fields are a snapshot of
// the catalog item at purchase time and never change afterwards.
type License struct {
	ID             string          `json:"id" db:"id"`
	Key            string          `json:"license_key" db:"license_key"`
	OrderID        string          `json:"order_id" db:"order_id"`
	ProductID      string          `json:"product_id" db:"product_id"`
	ProductName    string          `json:"product_name" db:"product_name"`
	LicenseType    string          `json:"license_type" db:"license_type"`
	Price          decimal.Decimal `json:"price" db:"price"`
	PurchaserName  string          `json:"purchaser_name" db:"purchaser_name"`
	PurchaserEmail string          `json:"purchaser_email" db:"purchaser_email"`
	UserID         *string         `json:"user_id" db:"user_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Owned reports whether the license is linked to an account.
func (l *License) Owned() bool {
	return l.UserID != nil && *l.UserID != ""
}

// Claimable reports whether an account with the given email may take
// ownership of the license.
func (l *License) Claimable(email string) bool {
	if l.Owned() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(l.PurchaserEmail), NormalizeEmail(email))
}

// Covers reports whether the license unlocks productID. The bundle unlocks
// every product.
func (l *License) Covers(productID string) bool {
	return productID == "" || l.ProductID == productID || l.ProductID == BundleProductID
}

// NormalizeEmail trims and lowercases an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewLicenseKey returns a key of the form ASC-XXXX-XXXX-XXXX-XXXX.
func NewLicenseKey() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.Must(uuid.NewRandom()).String(), "-", ""))
	return fmt.Sprintf("ASC-%s-%s-%s-%s", raw[0:4], raw[4:8], raw[8:12], raw[12:16])
}

// NewLicenseID returns a fresh opaque license identifier.
func NewLicenseID() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
