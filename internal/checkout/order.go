package checkout

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/internal/paypal"
	"ascend.software/storefront/models"
)

// Gateway is the subset of the PayPal API checkout needs.
type Gateway interface {
	AccessToken(ctx context.Context) (string, error)
	CreateOrder(ctx context.Context, accessToken string, order paypal.CreateOrderRequest) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, accessToken, orderID string) (*paypal.Capture, error)
}

type CreateOrderRequest struct {
	ProductID   string          `json:"product_id" validate:"required,max=64"`
	ProductName string          `json:"product_name" validate:"required,max=127"`
	LicenseType string          `json:"license_type" validate:"required,max=32"`
	Price       decimal.Decimal `json:"price" validate:"positive_decimal"`
	ReturnURL   string          `json:"return_url" validate:"required,url"`
	CancelURL   string          `json:"cancel_url" validate:"required,url"`
	UserID      string          `json:"user_id,omitempty" validate:"omitempty,max=128"`
}

type OrderResult struct {
	OrderID    string `json:"order_id"`
	ApproveURL string `json:"approve_url"`
}

type OrderService struct {
	gateway   Gateway
	brandName string
}

func NewOrderService(gateway Gateway, brandName string) *OrderService {
	return &OrderService{gateway: gateway, brandName: brandName}
}

// CreateOrder opens a gateway order for one catalog item and returns the
// approval link the buyer is redirected to.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	if err := validateStruct(ErrInvalidRequest, req); err != nil {
		return nil, err
	}

	item, ok := models.FindCatalogItem(req.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, req.ProductID)
	}
	if !req.Price.Equal(item.Price) {
		return nil, fmt.Errorf("%w: price %s does not match %s for %s",
			ErrUnknownProduct, FormatAmount(req.Price), FormatAmount(item.Price), item.ID)
	}

	returnURL, err := EncodeReturnURL(req.ReturnURL, PurchaseContext{
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		LicenseType: req.LicenseType,
		Price:       req.Price,
		UserID:      req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	token, err := accessToken(ctx, s.gateway)
	if err != nil {
		logger.Error("PayPal token exchange failed", map[string]interface{}{
			"product_id": req.ProductID,
			"error":      err.Error(),
		})
		return nil, err
	}

	order, err := s.gateway.CreateOrder(ctx, token, paypal.CreateOrderRequest{
		Intent: paypal.IntentCapture,
		PurchaseUnits: []paypal.PurchaseUnit{{
			ReferenceID: req.ProductID,
			Description: req.ProductName,
			Amount: paypal.Amount{
				CurrencyCode: paypal.CurrencyUSD,
				Value:        FormatAmount(req.Price),
			},
		}},
		ApplicationContext: &paypal.ApplicationContext{
			BrandName:   s.brandName,
			LandingPage: paypal.LandingPageNoPreference,
			UserAction:  paypal.UserActionPayNow,
			ReturnURL:   returnURL,
			CancelURL:   req.CancelURL,
		},
	})
	if err != nil {
		logger.Error("PayPal order creation failed", map[string]interface{}{
			"product_id": req.ProductID,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrGatewayOrder, err)
	}
	if order.ID == "" {
		logger.Error("PayPal order rejected", map[string]interface{}{
			"product_id": req.ProductID,
			"response":   string(order.Raw),
		})
		return nil, fmt.Errorf("%w: %s", ErrGatewayOrder, string(order.Raw))
	}

	approveURL := order.ApproveURL()
	if approveURL == "" {
		return nil, fmt.Errorf("%w: order %s has no approve link", ErrGatewayOrder, order.ID)
	}

	logger.Info("PayPal order created", map[string]interface{}{
		"order_id":   order.ID,
		"product_id": req.ProductID,
		"amount":     FormatAmount(req.Price),
	})

	return &OrderResult{OrderID: order.ID, ApproveURL: approveURL}, nil
}

// accessToken fetches a fresh gateway token. Tokens are never cached.
func accessToken(ctx context.Context, gateway Gateway) (string, error) {
	token, err := gateway.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	if token == "" {
		return "", ErrGatewayAuth
	}
	return token, nil
}
