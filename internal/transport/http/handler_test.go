package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/parishledger/envelope-service/internal/config"
	"github.com/parishledger/envelope-service/internal/logger"
	"github.com/parishledger/envelope-service/internal/model"
	"github.com/parishledger/envelope-service/internal/repo"
	"github.com/parishledger/envelope-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Member{}, &model.Envelope{}, &model.EnvelopeAssignment{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	svc := service.NewEnvelopeService(repository, log)

	return NewRouter(svc, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log), db
}

func doJSON(r *gin.Engine, method, path, churchID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if churchID != "" {
		req.Header.Set("X-Church-ID", churchID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTenantHeaderRequired(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/envelopes/available", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateBlockEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 1, "end_number": 10})
	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp["count"])

	// overlapping block conflicts
	w = doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 5, "end_number": 15})
	assert.Equal(t, http.StatusConflict, w.Code)

	// validation bounds
	w = doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 20, "end_number": 15})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 9000, "end_number": 12000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssignReleaseEndpoints(t *testing.T) {
	r, db := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 1, "end_number": 3})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, db.Create(&model.Member{ID: "m-1", ChurchID: "church-a"}).Error)

	var env model.Envelope
	assert.NoError(t, db.First(&env, "church_id = ? AND envelope_number = ?", "church-a", 2).Error)

	// release before assign is a caller-level conflict
	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+env.ID+"/release", "church-a", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+env.ID+"/assign", "church-a",
		map[string]string{"member_id": "m-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	var assigned model.Envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &assigned))
	assert.NotNil(t, assigned.MemberID)

	// double assign conflicts
	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+env.ID+"/assign", "church-a",
		map[string]string{"member_id": "m-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// unknown member is a validation failure
	var other model.Envelope
	assert.NoError(t, db.First(&other, "church_id = ? AND envelope_number = ?", "church-a", 3).Error)
	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+other.ID+"/assign", "church-a",
		map[string]string{"member_id": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// foreign tenant sees nothing
	w = doJSON(r, http.MethodGet, "/v1/envelopes/"+env.ID, "church-b", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+env.ID+"/release", "church-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/envelopes/"+env.ID+"/history", "church-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var history []model.EnvelopeAssignment
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 2)
	assert.Equal(t, model.ActivityRelease, history[0].ActivityType)
}

func TestDeleteBlockEndpoint_HistoryGuard(t *testing.T) {
	r, db := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 1, "end_number": 5})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, db.Create(&model.Member{ID: "m-1", ChurchID: "church-a"}).Error)

	var env model.Envelope
	assert.NoError(t, db.First(&env, "church_id = ? AND envelope_number = ?", "church-a", 1).Error)
	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+env.ID+"/assign", "church-a",
		map[string]string{"member_id": "m-1"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodPost, "/v1/envelopes/"+env.ID+"/release", "church-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// deletion refused while any envelope in range has ledger history,
	// even after release
	w = doJSON(r, http.MethodDelete, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 1, "end_number": 5})
	assert.Equal(t, http.StatusConflict, w.Code)

	// untouched tail of the block deletes fine
	w = doJSON(r, http.MethodDelete, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 2, "end_number": 5})
	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp["count"])
}

func TestFindEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/envelopes", "church-a",
		map[string]int{"start_number": 1, "end_number": 12})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/envelopes/available", "church-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var envs []model.Envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &envs))
	assert.Len(t, envs, 10) // default next-available page

	w = doJSON(r, http.MethodGet, "/v1/envelopes/number/12", "church-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/envelopes/number/99", "church-a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/envelopes/number/abc", "church-a", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
