package checkout

import "errors"

// Every checkout failure wraps exactly one of these. The HTTP layer reports
// all of them as 400 with the wrapped message.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrGatewayAuth       = errors.New("failed to get PayPal access token")
	ErrGatewayOrder      = errors.New("failed to create PayPal order")
	ErrPaymentIncomplete = errors.New("payment not completed")
	ErrLicenseIssuance   = errors.New("failed to create license")
	ErrInvalidSession    = errors.New("invalid payment session")
)

// IsClientError reports whether err was caused by the request rather than
// by a collaborator.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, ErrInvalidSession)
}
