package router

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/submission-hub/internal/api/handler"
	"github.com/d60-Lab/submission-hub/internal/api/middleware"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/internal/service"
	"github.com/d60-Lab/submission-hub/internal/storage"
)

type apiFixture struct {
	engine     *gin.Engine
	db         *gorm.DB
	emailCalls int
	emailTo    string
}

func newAPIFixture(t *testing.T, limiter *middleware.UserRateLimiter) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Submission{}, &model.DirectMessage{}))

	f := &apiFixture{db: db}
	fnSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.emailCalls++
		f.emailTo = body["to"]
		w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(fnSrv.Close)

	dir := t.TempDir()
	adapter := storage.NewAdapter(storage.NewLocalStore(dir, "docs", "http://files.test"), storage.BucketOptions{}, 0)
	repo := repository.NewSubmissionRepository(db)
	transport := notify.NewHTTPTransport(5*time.Second, 0)
	drivers := []notify.Driver{
		notify.NewInAppDriver(notify.NewDirectMessageBackend(db)),
		notify.NewEmailDriver(notify.NewFunctionClient(transport, fnSrv.URL, "k"), "send-email"),
	}
	svc := service.NewSubmissionService(adapter, repo, repository.NewMemoryOutcomeRepository(time.Hour), drivers, service.Settings{
		DefaultChannels: []model.Channel{model.ChannelInApp, model.ChannelEmail},
		Target:          notify.Target{Email: "admin@example.com"},
		MaxAttempts:     1,
	})
	h := handler.NewHandler(svc, 1<<20, handler.Check{Name: "database", Fn: repo.Ping})
	f.engine = Setup(h, Options{ServiceName: "test", RateLimiter: limiter})
	return f
}

func multipartBody(t *testing.T, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files[]", name)
		require.NoError(t, err)
		part.Write([]byte(content))
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func (f *apiFixture) submit(t *testing.T, user string, files map[string]string, fields map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	body, ct := multipartBody(t, files, fields)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", body)
	req.Header.Set("Content-Type", ct)
	if user != "" {
		req.Header.Set(middleware.DevUserHeader, user)
	}
	return f.do(t, req)
}

func TestSubmitDocuments_Success(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec, resp := f.submit(t, "user-42",
		map[string]string{"brief.pdf": "%PDF-1.4 brief"},
		map[string]string{
			"metadata": `{"service_type":"Essay Writing","word_count":3000,"study_level":"Level 7","referral":"spring"}`,
			"options":  `{"email":true,"email_to":"tutor@example.com","slack_webhook_url":"https://evil.test/hook"}`,
		},
	)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.SubmissionResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.True(t, res.Success)
	assert.Equal(t, []model.Channel{model.ChannelDatabase, model.ChannelInApp, model.ChannelEmail}, res.NotificationChannels)
	require.Len(t, res.Files, 1)
	assert.Contains(t, res.Files[0].URL, "http://files.test/docs/submissions/user-42/")
	assert.Equal(t, 1, f.emailCalls)
	assert.Equal(t, "tutor@example.com", f.emailTo)

	var sub model.Submission
	require.NoError(t, f.db.Take(&sub, "id = ?", res.SubmissionID).Error)
	assert.Equal(t, "spring", sub.Metadata.Extra["referral"])
	assert.Equal(t, 3000, sub.Metadata.WordCount)

	var msgCount int64
	require.NoError(t, f.db.Model(&model.DirectMessage{}).Where("user_id = ?", "user-42").Count(&msgCount).Error)
	assert.Equal(t, int64(1), msgCount)
}

func TestSubmitDocuments_NoFiles(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, resp := f.submit(t, "user-42", nil, map[string]string{"metadata": `{}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "At least one file is required", resp.Message)
}

func TestSubmitDocuments_BadMetadata(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, _ := f.submit(t, "user-42", map[string]string{"a.pdf": "x"}, map[string]string{"metadata": `{"word_count":"many"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitDocuments_RequiresUser(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec, _ := f.submit(t, "", map[string]string{"a.pdf": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitDocuments_RateLimited(t *testing.T) {
	f := newAPIFixture(t, middleware.NewUserRateLimiter(1, 1))

	rec, _ := f.submit(t, "user-42", map[string]string{"a.pdf": "x"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.submit(t, "user-42", map[string]string{"a.pdf": "x"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec, _ = f.submit(t, "user-7", map[string]string{"a.pdf": "x"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetAndListSubmissions(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, resp := f.submit(t, "user-42", map[string]string{"a.pdf": "x"}, nil)
	var res service.SubmissionResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+res.SubmissionID, nil)
	req.Header.Set(middleware.DevUserHeader, "user-42")
	rec, resp := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail service.SubmissionDetail
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, model.SubmissionDelivered, detail.Submission.Status)
	assert.Len(t, detail.Outcomes, 2)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+res.SubmissionID, nil)
	req.Header.Set(middleware.DevUserHeader, "user-7")
	rec, _ = f.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/submissions?page=1&page_size=5", nil)
	req.Header.Set(middleware.DevUserHeader, "user-42")
	rec, resp = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Total int64              `json:"total"`
		List  []model.Submission `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, res.SubmissionID, page.List[0].ID)
}

func TestHealthAndReady(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := f.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"database":"ok"}`, string(resp.Data))
}

func TestReady_FailingCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := handler.NewHandler(nil, 0, handler.Check{Name: "storage", Fn: func(context.Context) error {
		return storage.ErrBucketNotFound
	}})
	r := Setup(h, Options{ServiceName: "test"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket not found")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "subhub_http_requests_total")
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := Setup(handler.NewHandler(nil, 0), Options{ServiceName: "test", CORSOrigins: []string{"https://app.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/submissions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
