package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api-m.paypal.com"

// ErrNoAccessToken is returned when the token endpoint answers without a token.
var ErrNoAccessToken = errors.New("paypal: no access token in response")

type Config struct {
	ClientID   string
	SecretKey  string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a thin wrapper over the PayPal REST endpoints used by checkout.
// It holds no token state; every caller fetches its own token.
type Client struct {
	clientID  string
	secretKey string
	baseURL   string
	http      *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		clientID:  cfg.ClientID,
		secretKey: cfg.SecretKey,
		baseURL:   baseURL,
		http:      httpClient,
	}
}

// AccessToken performs a client-credentials grant.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("paypal token response (status %d): %w", status, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w (status %d): %s", ErrNoAccessToken, status, string(body))
	}

	return token.AccessToken, nil
}

// CreateOrder creates a checkout order. A rejected order is not an error at
// this level: the returned Order has no ID and Raw holds PayPal's answer.
func (c *Client) CreateOrder(ctx context.Context, accessToken string, order CreateOrderRequest) (*Order, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("error marshaling order: %w", err)
	}

	req, err := c.newJSONRequest(ctx, c.baseURL+"/v2/checkout/orders", accessToken, payload)
	if err != nil {
		return nil, err
	}

	body, _, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var created Order
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &created); err != nil {
			return nil, fmt.Errorf("error unmarshaling order: %w", err)
		}
	}
	created.Raw = body

	return &created, nil
}

// CaptureOrder captures an approved order. As with CreateOrder, the caller
// decides what a non-completed status means.
func (c *Client) CaptureOrder(ctx context.Context, accessToken, orderID string) (*Capture, error) {
	endpoint := fmt.Sprintf("%s/v2/checkout/orders/%s/capture", c.baseURL, url.PathEscape(orderID))

	req, err := c.newJSONRequest(ctx, endpoint, accessToken, nil)
	if err != nil {
		return nil, err
	}

	body, _, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var captured Capture
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &captured); err != nil {
			return nil, fmt.Errorf("error unmarshaling capture: %w", err)
		}
	}
	captured.Raw = body

	return &captured, nil
}

func (c *Client) newJSONRequest(ctx context.Context, endpoint, accessToken string, payload []byte) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error reading response: %w", err)
	}

	return body, resp.StatusCode, nil
}
