package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ascend.software/storefront/models"
)

const testServiceKey = "service-role-test-key"

// fakePostgREST answers the license_keys requests SupabaseStorage makes,
// keeping rows in a MemoryStorage.
type fakePostgREST struct {
	t     *testing.T
	rows  *MemoryStorage
	mu    sync.Mutex
	calls []string
}

func newFakePostgREST(t *testing.T) (*fakePostgREST, *httptest.Server) {
	fake := &fakePostgREST{t: t, rows: NewMemoryStorage()}
	server := httptest.NewServer(http.HandlerFunc(fake.serveHTTP))
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakePostgREST) serveHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.RawQuery)
	f.mu.Unlock()

	if r.URL.Path != "/rest/v1/license_keys" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("apikey") != testServiceKey || r.Header.Get("Authorization") != "Bearer "+testServiceKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
		return
	}

	ctx := r.Context()
	q := r.URL.Query()

	switch r.Method {
	case http.MethodPost:
		assert.Equal(f.t, "return=representation", r.Header.Get("Prefer"))
		var license models.License
		if err := json.NewDecoder(r.Body).Decode(&license); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		if existing, _ := f.rows.FindLicenseByOrderID(ctx, license.OrderID); existing != nil {
			writeJSON(w, http.StatusConflict, map[string]string{
				"code":    "23505",
				"message": `duplicate key value violates unique constraint "license_keys_order_id_key"`,
				"details": fmt.Sprintf("Key (order_id)=(%s) already exists.", license.OrderID),
			})
			return
		}
		if err := f.rows.InsertLicense(ctx, &license); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, []*models.License{&license})

	case http.MethodGet:
		assert.Equal(f.t, "*", q.Get("select"))
		var result []*models.License
		switch {
		case q.Get("id") != "":
			result = one(f.rows.GetLicense(ctx, strings.TrimPrefix(q.Get("id"), "eq.")))
		case q.Get("license_key") != "":
			result = one(f.rows.FindLicenseByKey(ctx, strings.TrimPrefix(q.Get("license_key"), "eq.")))
		case q.Get("order_id") != "":
			result = one(f.rows.FindLicenseByOrderID(ctx, strings.TrimPrefix(q.Get("order_id"), "eq.")))
		case q.Get(normalizedEmailColumn) != "":
			assert.Equal(f.t, "created_at.desc", q.Get("order"))
			result, _ = f.rows.FindLicensesByEmail(ctx, exactEmail(q.Get(normalizedEmailColumn)))
		case q.Get("user_id") != "":
			assert.Equal(f.t, "created_at.desc", q.Get("order"))
			result, _ = f.rows.ListLicenses(ctx, strings.TrimPrefix(q.Get("user_id"), "eq."))
		}
		if result == nil {
			result = []*models.License{}
		}
		writeJSON(w, http.StatusOK, result)

	case http.MethodPatch:
		assert.Equal(f.t, "is.null", q.Get("user_id"))
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		email := exactEmail(q.Get(normalizedEmailColumn))
		n, err := f.rows.ClaimLicenses(ctx, email, body.UserID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		rows := make([]map[string]string, n)
		for i := range rows {
			rows[i] = map[string]string{"id": fmt.Sprintf("claimed-%d", i)}
		}
		writeJSON(w, http.StatusOK, rows)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func one(license *models.License, err error) []*models.License {
	if err != nil || license == nil {
		return nil
	}
	return []*models.License{license}
}

// exactEmail reads an eq filter the way PostgREST does: the value is compared
// literally, with no wildcard expansion.
func exactEmail(filter string) string {
	if !strings.HasPrefix(filter, "eq.") {
		return "\x00not an eq filter"
	}
	return strings.TrimPrefix(filter, "eq.")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestSupabaseStorage(t *testing.T) (*SupabaseStorage, *fakePostgREST) {
	fake, server := newFakePostgREST(t)
	store, err := NewSupabaseStorage(SupabaseConfig{URL: server.URL + "/", ServiceRoleKey: testServiceKey})
	require.NoError(t, err)
	return store, fake
}

func TestSupabaseStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		store, _ := newTestSupabaseStorage(t)
		return store
	})
}

func TestSupabaseStorage_WrongKey(t *testing.T) {
	_, server := newFakePostgREST(t)
	store, err := NewSupabaseStorage(SupabaseConfig{URL: server.URL, ServiceRoleKey: "wrong"})
	require.NoError(t, err)

	_, err = store.GetLicense(context.Background(), "id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")

	err = store.InsertLicense(context.Background(), createTestLicense("ORDER-1", "buyer@example.com"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateOrder)
}

func TestSupabaseStorage_EmailFilterIsExact(t *testing.T) {
	store, fake := newTestSupabaseStorage(t)
	ctx := context.Background()

	_, err := store.ClaimLicenses(ctx, "  B_y%er*@Example.com ", "user-1")
	require.NoError(t, err)

	fake.mu.Lock()
	require.NotEmpty(t, fake.calls)
	last := fake.calls[len(fake.calls)-1]
	fake.mu.Unlock()

	assert.True(t, strings.HasPrefix(last, "PATCH "))
	assert.Contains(t, last, "purchaser_email_normalized=eq.b_y%25er%2A%40example.com")
	assert.NotContains(t, last, "ilike")
}

func TestSupabaseStorage_ClaimEmailWithSpecialCharacters(t *testing.T) {
	store, _ := newTestSupabaseStorage(t)
	ctx := context.Background()

	starred := createTestLicense("ORDER-STAR", "star*buyer@example.com")
	require.NoError(t, store.InsertLicense(ctx, starred))
	lookalike := createTestLicense("ORDER-LOOK", "starXbuyer@example.com")
	require.NoError(t, store.InsertLicense(ctx, lookalike))

	claimed, err := store.ClaimLicenses(ctx, "Star*Buyer@example.com", "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, claimed)

	got, err := store.GetLicense(ctx, starred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "user-1", *got.UserID)

	other, err := store.GetLicense(ctx, lookalike.ID)
	require.NoError(t, err)
	assert.Nil(t, other.UserID)
}

func TestNewSupabaseStorage_RequiresConfig(t *testing.T) {
	_, err := NewSupabaseStorage(SupabaseConfig{ServiceRoleKey: "key"})
	assert.Error(t, err)

	_, err = NewSupabaseStorage(SupabaseConfig{URL: "https://project.supabase.co"})
	assert.Error(t, err)
}
