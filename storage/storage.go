package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ascend.software/storefront/models"
)

// ErrDuplicateOrder is returned when a license already exists for the
// gateway order being inserted.
var ErrDuplicateOrder = errors.New("license already issued for order")

// Storage is the license store. Lookups return nil, nil when nothing matches.
type Storage interface {
	// InsertLicense assigns ID, Key and CreatedAt when empty and persists the record.
	InsertLicense(ctx context.Context, license *models.License) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicenseByOrderID(ctx context.Context, orderID string) (*models.License, error)
	FindLicensesByEmail(ctx context.Context, email string) ([]*models.License, error)

	// ListLicenses returns the licenses owned by userID, newest first.
	ListLicenses(ctx context.Context, userID string) ([]*models.License, error)

	// ClaimLicenses sets user_id on every unowned license whose purchaser
	// email matches case-insensitively. Owned licenses are never touched.
	ClaimLicenses(ctx context.Context, email, userID string) (int64, error)

	Close() error
}

// Open selects a backend from the datastore URL scheme.
func Open(ctx context.Context, rawURL, serviceKey string) (Storage, error) {
	switch {
	case strings.HasPrefix(rawURL, "memory://"):
		return NewMemoryStorage(), nil
	case strings.HasPrefix(rawURL, "sqlite://"):
		return NewSQLiteStorage(strings.TrimPrefix(rawURL, "sqlite://"))
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return NewPostgresStorage(ctx, rawURL)
	case strings.HasPrefix(rawURL, "https://"), strings.HasPrefix(rawURL, "http://"):
		return NewSupabaseStorage(SupabaseConfig{URL: rawURL, ServiceRoleKey: serviceKey})
	default:
		return nil, fmt.Errorf("unsupported datastore url %q", rawURL)
	}
}

func prepareInsert(license *models.License) error {
	if license == nil {
		return errors.New("nil license")
	}
	if license.ID == "" {
		license.ID = models.NewLicenseID()
	}
	if license.Key == "" {
		license.Key = models.NewLicenseKey()
	}
	if license.CreatedAt.IsZero() {
		license.CreatedAt = time.Now().UTC()
	}
	return nil
}

type MemoryStorage struct {
	mu       sync.RWMutex
	licenses map[string]models.License
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{licenses: make(map[string]models.License)}
}

func (m *MemoryStorage) InsertLicense(ctx context.Context, license *models.License) error {
	if err := prepareInsert(license); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.licenses {
		if license.OrderID != "" && existing.OrderID == license.OrderID {
			return ErrDuplicateOrder
		}
		if existing.Key == license.Key {
			return fmt.Errorf("license key %s already exists", license.Key)
		}
	}
	if _, exists := m.licenses[license.ID]; exists {
		return fmt.Errorf("license %s already exists", license.ID)
	}

	m.licenses[license.ID] = copyLicense(license)
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	license, exists := m.licenses[id]
	if !exists {
		return nil, nil
	}
	return ptrLicense(license), nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return m.findOne(func(l models.License) bool { return l.Key == key }), nil
}

func (m *MemoryStorage) FindLicenseByOrderID(ctx context.Context, orderID string) (*models.License, error) {
	if orderID == "" {
		return nil, nil
	}
	return m.findOne(func(l models.License) bool { return l.OrderID == orderID }), nil
}

func (m *MemoryStorage) FindLicensesByEmail(ctx context.Context, email string) ([]*models.License, error) {
	email = models.NormalizeEmail(email)
	return m.findAll(func(l models.License) bool { return models.NormalizeEmail(l.PurchaserEmail) == email }), nil
}

func (m *MemoryStorage) ListLicenses(ctx context.Context, userID string) ([]*models.License, error) {
	return m.findAll(func(l models.License) bool { return l.UserID != nil && *l.UserID == userID }), nil
}

func (m *MemoryStorage) ClaimLicenses(ctx context.Context, email, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed int64
	for id, license := range m.licenses {
		if !license.Claimable(email) {
			continue
		}
		owner := userID
		license.UserID = &owner
		m.licenses[id] = license
		claimed++
	}
	return claimed, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// Len returns the number of stored licenses.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.licenses)
}

func (m *MemoryStorage) findOne(match func(models.License) bool) *models.License {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, license := range m.licenses {
		if match(license) {
			return ptrLicense(license)
		}
	}
	return nil
}

func (m *MemoryStorage) findAll(match func(models.License) bool) []*models.License {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var licenses []*models.License
	for _, license := range m.licenses {
		if match(license) {
			licenses = append(licenses, ptrLicense(license))
		}
	}

	sort.Slice(licenses, func(i, j int) bool {
		return licenses[i].CreatedAt.After(licenses[j].CreatedAt)
	})
	return licenses
}

func copyLicense(l *models.License) models.License {
	c := *l
	if l.UserID != nil {
		owner := *l.UserID
		c.UserID = &owner
	}
	return c
}

func ptrLicense(l models.License) *models.License {
	c := copyLicense(&l)
	return &c
}
