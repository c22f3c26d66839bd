package storage

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

	"ascend.software/storefront/models"
)

const (
	licenseTable = "license_keys"

	// normalizedEmailColumn holds lower(trim(purchaser_email)), generated by
	// the database.
	normalizedEmailColumn = "purchaser_email_normalized"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	HTTPClient     *http.Client
}

// SupabaseStorage talks to the license_keys table through PostgREST using
// the service role key.
type SupabaseStorage struct {
	restURL    string
	serviceKey string
	httpClient *http.Client
}

type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func NewSupabaseStorage(cfg SupabaseConfig) (*SupabaseStorage, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase url required")
	}
	if cfg.ServiceRoleKey == "" {
		return nil, errors.New("supabase service role key required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &SupabaseStorage{
		restURL:    strings.TrimSuffix(cfg.URL, "/") + "/rest/v1/" + licenseTable,
		serviceKey: cfg.ServiceRoleKey,
		httpClient: httpClient,
	}, nil
}

func (s *SupabaseStorage) InsertLicense(ctx context.Context, license *models.License) error {
	if err := prepareInsert(license); err != nil {
		return err
	}

	var rows []*models.License
	status, body, err := s.do(ctx, http.MethodPost, nil, license, &rows)
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}
	if status == http.StatusConflict {
		var pgErr postgrestError
		if json.Unmarshal(body, &pgErr) == nil && pgErr.Code == uniqueViolation &&
			strings.Contains(pgErr.Message+pgErr.Details, "order_id") {
			return ErrDuplicateOrder
		}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("failed to insert license: supabase error (status %d): %s", status, string(body))
	}

	if len(rows) > 0 && !rows[0].CreatedAt.IsZero() {
		license.CreatedAt = rows[0].CreatedAt.UTC()
	}
	return nil
}

func (s *SupabaseStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return s.selectOne(ctx, url.Values{"id": {"eq." + id}})
}

func (s *SupabaseStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return s.selectOne(ctx, url.Values{"license_key": {"eq." + key}})
}

func (s *SupabaseStorage) FindLicenseByOrderID(ctx context.Context, orderID string) (*models.License, error) {
	if orderID == "" {
		return nil, nil
	}
	return s.selectOne(ctx, url.Values{"order_id": {"eq." + orderID}})
}

func (s *SupabaseStorage) FindLicensesByEmail(ctx context.Context, email string) ([]*models.License, error) {
	return s.selectMany(ctx, url.Values{
		normalizedEmailColumn: {"eq." + models.NormalizeEmail(email)},
		"order":               {"created_at.desc"},
	})
}

func (s *SupabaseStorage) ListLicenses(ctx context.Context, userID string) ([]*models.License, error) {
	return s.selectMany(ctx, url.Values{
		"user_id": {"eq." + userID},
		"order":   {"created_at.desc"},
	})
}

func (s *SupabaseStorage) ClaimLicenses(ctx context.Context, email, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}

	query := url.Values{
		normalizedEmailColumn: {"eq." + models.NormalizeEmail(email)},
		"user_id":             {"is.null"},
		"select":              {"id"},
	}

	var rows []struct {
		ID string `json:"id"`
	}
	status, body, err := s.do(ctx, http.MethodPatch, query, map[string]string{"user_id": userID}, &rows)
	if err != nil {
		return 0, fmt.Errorf("failed to claim licenses: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("failed to claim licenses: supabase error (status %d): %s", status, string(body))
	}
	return int64(len(rows)), nil
}

func (s *SupabaseStorage) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *SupabaseStorage) selectOne(ctx context.Context, query url.Values) (*models.License, error) {
	query.Set("limit", "1")
	licenses, err := s.selectMany(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(licenses) == 0 {
		return nil, nil
	}
	return licenses[0], nil
}

func (s *SupabaseStorage) selectMany(ctx context.Context, query url.Values) ([]*models.License, error) {
	query.Set("select", "*")

	var licenses []*models.License
	status, body, err := s.do(ctx, http.MethodGet, query, nil, &licenses)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to query licenses: supabase error (status %d): %s", status, string(body))
	}

	for _, license := range licenses {
		license.CreatedAt = license.CreatedAt.UTC()
	}
	return licenses, nil
}

// do sends one PostgREST request. Successful bodies are decoded into out;
// the raw body is returned for error reporting.
func (s *SupabaseStorage) do(ctx context.Context, method string, query url.Values, payload, out interface{}) (int, []byte, error) {
	endpoint := s.restURL
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("error reading response: %w", err)
	}

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("error unmarshaling response: %w", err)
		}
	}

	return resp.StatusCode, body, nil
}
