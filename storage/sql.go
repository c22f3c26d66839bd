package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/models"
)

const licenseColumns = `id, license_key, order_id, product_id, product_name, license_type, price, purchaser_name, purchaser_email, user_id, created_at`

// sqlStore holds the queries shared by the database/sql backends. Queries
// are written with ? placeholders and rebound for dialects that number them.
type sqlStore struct {
	db               *sql.DB
	numbered         bool
	isDuplicateOrder func(error) bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) InsertLicense(ctx context.Context, license *models.License) error {
	if err := prepareInsert(license); err != nil {
		return err
	}

	query := s.rebind(`INSERT INTO license_keys (` + licenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		license.ID,
		license.Key,
		nullString(license.OrderID),
		license.ProductID,
		license.ProductName,
		license.LicenseType,
		license.Price.StringFixed(2),
		license.PurchaserName,
		license.PurchaserEmail,
		nullStringPtr(license.UserID),
		license.CreatedAt,
	)
	if err != nil {
		if s.isDuplicateOrder != nil && s.isDuplicateOrder(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert license: %w", err)
	}

	return nil
}

func (s *sqlStore) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE id = ?`, id)
}

func (s *sqlStore) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE license_key = ?`, key)
}

func (s *sqlStore) FindLicenseByOrderID(ctx context.Context, orderID string) (*models.License, error) {
	if orderID == "" {
		return nil, nil
	}
	return s.queryOne(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE order_id = ?`, orderID)
}

func (s *sqlStore) FindLicensesByEmail(ctx context.Context, email string) ([]*models.License, error) {
	return s.queryMany(ctx,
		`SELECT `+licenseColumns+` FROM license_keys WHERE lower(trim(purchaser_email)) = ? ORDER BY created_at DESC`,
		models.NormalizeEmail(email),
	)
}

func (s *sqlStore) ListLicenses(ctx context.Context, userID string) ([]*models.License, error) {
	return s.queryMany(ctx,
		`SELECT `+licenseColumns+` FROM license_keys WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
}

func (s *sqlStore) ClaimLicenses(ctx context.Context, email, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id required")
	}

	query := s.rebind(`UPDATE license_keys SET user_id = ? WHERE lower(trim(purchaser_email)) = ? AND user_id IS NULL`)

	result, err := s.db.ExecContext(ctx, query, userID, models.NormalizeEmail(email))
	if err != nil {
		return 0, fmt.Errorf("failed to claim licenses: %w", err)
	}

	claimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count claimed licenses: %w", err)
	}
	return claimed, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) queryOne(ctx context.Context, query string, args ...interface{}) (*models.License, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(query), args...)

	license, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func (s *sqlStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*models.License, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}

	return licenses, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*models.License, error) {
	var (
		license models.License
		orderID sql.NullString
		userID  sql.NullString
	)

	err := row.Scan(
		&license.ID,
		&license.Key,
		&orderID,
		&license.ProductID,
		&license.ProductName,
		&license.LicenseType,
		&license.Price,
		&license.PurchaserName,
		&license.PurchaserEmail,
		&userID,
		&license.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	license.OrderID = orderID.String
	if userID.Valid {
		owner := userID.String
		license.UserID = &owner
	}
	license.CreatedAt = license.CreatedAt.UTC()

	return &license, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}
