package offset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-netting/internal/auth"
	"github.com/ksred/klear-netting/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Entry{}))
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewDatabase(openTestDB(t)))
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc
}

func validRequest() CreateRequest {
	return CreateRequest{
		DebitParty:  "A",
		CreditParty: "B",
		Amount:      "125.50",
		Currency:    "usd",
		Reference:   "INV-1",
	}
}

func TestCreateOffset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateOffset(ctx, validRequest(), "ops")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(entry.EntryID, "OFS_"))
	assert.Equal(t, int64(12550), entry.Amount)
	assert.Equal(t, "USD", entry.Currency)
	assert.Equal(t, StatusDraft, entry.Status)
	assert.Equal(t, "ops", entry.CreatedBy)

	stored, err := svc.GetOffset(ctx, entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, entry.Amount, stored.Amount)
	assert.Equal(t, "125.50", NewView(stored).Amount)
}

func TestCreateOffsetValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		want   error
	}{
		{"missing debit party", func(r *CreateRequest) { r.DebitParty = "" }, ErrInvalidInput},
		{"same party", func(r *CreateRequest) { r.CreditParty = "A" }, ErrSameParty},
		{"bad currency length", func(r *CreateRequest) { r.Currency = "US" }, ErrInvalidInput},
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }, ErrInvalidInput},
		{"negative amount", func(r *CreateRequest) { r.Amount = "-5" }, ErrInvalidInput},
		{"too precise", func(r *CreateRequest) { r.Amount = "1.005" }, ErrInvalidInput},
		{"not a number", func(r *CreateRequest) { r.Amount = "ten" }, ErrInvalidInput},
	}

	svc := newTestService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := svc.CreateOffset(context.Background(), req, "ops")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPostOffset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateOffset(ctx, validRequest(), "ops")
	require.NoError(t, err)

	posted, err := svc.PostOffset(ctx, entry.EntryID, "cfo")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
	assert.Equal(t, "cfo", posted.PostedBy)
	require.NotNil(t, posted.PostedAt)

	_, err = svc.PostOffset(ctx, entry.EntryID, "cfo")
	assert.ErrorIs(t, err, ErrAlreadyPosted)

	_, err = svc.PostOffset(ctx, "OFS_missing", "cfo")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestPostOffsetConcurrent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateOffset(ctx, validRequest(), "ops")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.PostOffset(ctx, entry.EntryID, "cfo"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestListOffsets(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "D"}} {
		req := validRequest()
		req.DebitParty, req.CreditParty = pair[0], pair[1]
		_, err := svc.CreateOffset(ctx, req, "ops")
		require.NoError(t, err)
	}

	all, err := svc.ListOffsets(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	withB, err := svc.ListOffsets(ctx, Filter{Party: "B"})
	require.NoError(t, err)
	assert.Len(t, withB, 2)

	_, err = svc.PostOffset(ctx, withB[0].EntryID, "cfo")
	require.NoError(t, err)

	posted, err := svc.ListOffsets(ctx, Filter{Status: StatusPosted})
	require.NoError(t, err)
	require.Len(t, posted, 1)
	assert.Equal(t, withB[0].EntryID, posted[0].EntryID)

	limited, err := svc.ListOffsets(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOffsetHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	authService := auth.NewService("test-secret", time.Hour)
	authService.RegisterAPICredentials("ops", "ops-secret", "netting:operate")
	token, err := authService.GenerateToken(auth.Credentials{APIKey: "ops", APISecret: "ops-secret"})
	require.NoError(t, err)

	router := gin.New()
	protected := router.Group("/api/v1")
	protected.Use(middleware.JWTAuth(authService))
	NewGinHandlers(newTestService(t)).RegisterRoutes(protected)

	type envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	call := func(method, path string, body interface{}) (int, envelope) {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token.Token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		var env envelope
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
		return w.Code, env
	}

	code, env := call(http.MethodPost, "/api/v1/offsets", validRequest())
	require.Equal(t, http.StatusCreated, code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "125.50", created["amount"])
	assert.Equal(t, "ops", created["created_by"])
	entryID := created["entry_id"].(string)

	code, _ = call(http.MethodGet, "/api/v1/offsets/"+entryID, nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = call(http.MethodGet, "/api/v1/offsets?party=A&limit=5", nil)
	assert.Equal(t, http.StatusOK, code)
	var listed []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Len(t, listed, 1)

	code, _ = call(http.MethodGet, "/api/v1/offsets?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(http.MethodPost, "/api/v1/offsets/"+entryID+"/post", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(http.MethodPost, "/api/v1/offsets/"+entryID+"/post", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(http.MethodGet, "/api/v1/offsets/OFS_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	bad := validRequest()
	bad.CreditParty = "A"
	code, _ = call(http.MethodPost, "/api/v1/offsets", bad)
	assert.Equal(t, http.StatusBadRequest, code)
}
