package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/internal/paypal"
	"ascend.software/storefront/models"
	"ascend.software/storefront/storage"
)

const (
	fallbackPayerEmail = "unknown@paypal.com"
	fallbackPayerName  = "PayPal User"
)

// Mailer delivers the license key to the purchaser.
type Mailer interface {
	SendLicense(ctx context.Context, license *models.License) error
}

type CaptureOrderRequest struct {
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	LicenseType string          `json:"license_type"`
	Price       decimal.Decimal `json:"price"`
	UserID      string          `json:"user_id,omitempty"`
}

type CaptureResult struct {
	Success    bool   `json:"success"`
	LicenseKey string `json:"license_key"`
	LicenseID  string `json:"license_id"`
	PayerName  string `json:"payer_name"`
	PayerEmail string `json:"payer_email"`
}

type CaptureService struct {
	gateway Gateway
	store   storage.Storage
	mailer  Mailer
}

// NewCaptureService wires the capture flow. mailer may be nil.
func NewCaptureService(gateway Gateway, store storage.Storage, mailer Mailer) *CaptureService {
	return &CaptureService{gateway: gateway, store: store, mailer: mailer}
}

// CaptureOrder finalizes an approved order and issues its license. A license
// already issued for the order is returned as is.
func (s *CaptureService) CaptureOrder(ctx context.Context, req CaptureOrderRequest) (*CaptureResult, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing order_id", ErrInvalidSession)
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return nil, fmt.Errorf("%w: missing product_id", ErrInvalidSession)
	}

	item, ok := models.FindCatalogItem(req.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown product %s", ErrInvalidSession, req.ProductID)
	}
	if !req.Price.IsZero() && !req.Price.Equal(item.Price) {
		logger.Warn("Capture price differs from catalog", map[string]interface{}{
			"order_id":      orderID,
			"product_id":    item.ID,
			"request_price": FormatAmount(req.Price),
			"catalog_price": FormatAmount(item.Price),
		})
	}

	existing, err := s.store.FindLicenseByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseIssuance, err)
	}
	if existing != nil {
		logger.Info("License already issued for order", map[string]interface{}{
			"order_id":   orderID,
			"license_id": existing.ID,
		})
		return resultFor(existing), nil
	}

	token, err := accessToken(ctx, s.gateway)
	if err != nil {
		logger.Error("PayPal token exchange failed", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		return nil, err
	}

	captured, err := s.gateway.CaptureOrder(ctx, token, orderID)
	if err != nil {
		logger.Error("PayPal capture failed", map[string]interface{}{
			"order_id": orderID,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrPaymentIncomplete, err)
	}
	if !captured.Completed() {
		logger.Error("PayPal capture not completed", map[string]interface{}{
			"order_id": orderID,
			"status":   captured.Status,
		})
		logger.Debug("PayPal capture response", map[string]interface{}{
			"order_id": orderID,
			"response": string(captured.Raw),
		})
		return nil, fmt.Errorf("%w: %s", ErrPaymentIncomplete, string(captured.Raw))
	}

	if err := verifyPaidFor(captured, item); err != nil {
		logger.Error("Captured payment does not match product", map[string]interface{}{
			"order_id":   orderID,
			"product_id": item.ID,
			"error":      err.Error(),
		})
		return nil, err
	}

	payerName, payerEmail := payerIdentity(captured.Payer)

	license := &models.License{
		OrderID:        orderID,
		ProductID:      item.ID,
		ProductName:    item.Name,
		LicenseType:    item.LicenseType,
		Price:          item.Price,
		PurchaserName:  payerName,
		PurchaserEmail: payerEmail,
		UserID:         models.StringPtr(strings.TrimSpace(req.UserID)),
	}

	if err := s.store.InsertLicense(ctx, license); err != nil {
		if errors.Is(err, storage.ErrDuplicateOrder) {
			issued, lookupErr := s.store.FindLicenseByOrderID(ctx, orderID)
			if lookupErr == nil && issued != nil {
				return resultFor(issued), nil
			}
		}
		logger.Error("License insert failed", map[string]interface{}{
			"order_id":   orderID,
			"product_id": item.ID,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrLicenseIssuance, err)
	}

	logger.Info("License issued", map[string]interface{}{
		"order_id":   orderID,
		"license_id": license.ID,
		"product_id": license.ProductID,
		"owned":      license.Owned(),
	})

	if s.mailer != nil {
		if err := s.mailer.SendLicense(ctx, license); err != nil {
			logger.Warn("License email not sent", map[string]interface{}{
				"license_id": license.ID,
				"error":      err.Error(),
			})
		}
	}

	return resultFor(license), nil
}

// verifyPaidFor checks that the captured purchase unit is the catalog item
// being licensed and that the captured total equals its price.
func verifyPaidFor(captured *paypal.Capture, item models.CatalogItem) error {
	if len(captured.PurchaseUnits) != 1 {
		return fmt.Errorf("%w: expected one purchase unit, got %d", ErrInvalidSession, len(captured.PurchaseUnits))
	}

	unit := captured.PurchaseUnits[0]
	if unit.ReferenceID != item.ID {
		return fmt.Errorf("%w: order was placed for %q, not %q", ErrInvalidSession, unit.ReferenceID, item.ID)
	}
	if unit.Payments == nil || len(unit.Payments.Captures) == 0 {
		return fmt.Errorf("%w: no captured payment for %s", ErrPaymentIncomplete, item.ID)
	}

	paid := decimal.Zero
	for _, payment := range unit.Payments.Captures {
		if payment.Amount.CurrencyCode != paypal.CurrencyUSD {
			return fmt.Errorf("%w: captured in %s", ErrInvalidSession, payment.Amount.CurrencyCode)
		}
		value, err := decimal.NewFromString(payment.Amount.Value)
		if err != nil {
			return fmt.Errorf("%w: invalid captured amount %q", ErrInvalidSession, payment.Amount.Value)
		}
		paid = paid.Add(value)
	}

	if !paid.Equal(item.Price) {
		return fmt.Errorf("%w: captured %s, %s costs %s", ErrInvalidSession, FormatAmount(paid), item.ID, FormatAmount(item.Price))
	}
	return nil
}

// payerIdentity falls back to placeholders when the gateway omits payer
// details, which some payment methods do.
func payerIdentity(payer *paypal.Payer) (name, email string) {
	name, email = fallbackPayerName, fallbackPayerEmail
	if payer == nil {
		return name, email
	}

	if e := strings.TrimSpace(payer.EmailAddress); e != "" {
		email = e
	}
	if payer.Name != nil {
		if n := strings.TrimSpace(payer.Name.GivenName + " " + payer.Name.Surname); n != "" {
			name = n
		}
	}
	return name, email
}

func resultFor(license *models.License) *CaptureResult {
	return &CaptureResult{
		Success:    true,
		LicenseKey: license.Key,
		LicenseID:  license.ID,
		PayerName:  license.PurchaserName,
		PayerEmail: license.PurchaserEmail,
	}
}
