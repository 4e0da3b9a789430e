package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-draw-api/internal/middleware"
	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/internal/service"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
)

func newContext(method, target string, body interface{}, claims *models.JWTClaims) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	return c, w
}

type envelope struct {
	Data       json.RawMessage        `json:"data"`
	Error      *appErrors.Error       `json:"error"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

var (
	teacherClaims = &models.JWTClaims{UserID: "t1", Role: models.RoleTeacher}
	adminClaims   = &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin}
)

type authServiceStub struct {
	login *models.LoginRequest
}

func (s *authServiceStub) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	s.login = &req
	return &models.LoginResponse{AccessToken: "access"}, nil
}

func (s *authServiceStub) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.LoginResponse, error) {
	return nil, appErrors.ErrUnauthorized
}

func (s *authServiceStub) Logout(ctx context.Context, refreshToken string, userID string, meta models.LoginRequest) error {
	return nil
}

func (s *authServiceStub) Me(ctx context.Context, userID string) (*models.User, error) {
	return &models.User{ID: userID, Email: "t1@edu.vn"}, nil
}

func TestAuthHandlerLogin(t *testing.T) {
	stub := &authServiceStub{}
	h := NewAuthHandler(stub)

	c, w := newContext(http.MethodPost, "/auth/login", `not json`, nil)
	h.Login(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newContext(http.MethodPost, "/auth/login", models.LoginRequest{Email: "t1@edu.vn", Password: "x"}, nil)
	c.Request.Header.Set("User-Agent", "test-agent")
	h.Login(c)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, stub.login)
	assert.Equal(t, "test-agent", stub.login.UserAgent)
	assert.Contains(t, string(decode(t, w).Data), `"access_token":"access"`)
}

func TestAuthHandlerMeRequiresClaims(t *testing.T) {
	h := NewAuthHandler(&authServiceStub{})

	c, w := newContext(http.MethodGet, "/me", nil, nil)
	h.Me(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, w = newContext(http.MethodGet, "/me", nil, teacherClaims)
	h.Me(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

type drawServiceStub struct {
	result    *models.DrawResult
	err       error
	gotGrades []string
	resetID   string
	resetBy   string
}

func (s *drawServiceStub) Draw(ctx context.Context, teacherID string, grades []string) (*models.DrawResult, error) {
	s.gotGrades = grades
	return s.result, s.err
}

func (s *drawServiceStub) Reset(ctx context.Context, teacherID, actorID string) error {
	s.resetID, s.resetBy = teacherID, actorID
	return s.err
}

func (s *drawServiceStub) Current(ctx context.Context, teacherID string) (*models.DrawStatus, error) {
	return &models.DrawStatus{HasDrawn: true, ClassName: "6A1"}, nil
}

func TestDrawHandlerNotAvailableIsOK(t *testing.T) {
	stub := &drawServiceStub{result: &models.DrawResult{Available: false}}
	h := NewDrawHandler(stub)

	c, w := newContext(http.MethodPost, "/draws", models.DrawRequest{Grades: []string{"Khối 6"}}, teacherClaims)
	h.Draw(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"Khối 6"}, stub.gotGrades)
	data := string(decode(t, w).Data)
	assert.Contains(t, data, `"available":false`)
	assert.NotContains(t, data, `"lesson"`)
	assert.NotContains(t, data, `"drawn_at"`)
}

func TestDrawHandlerMapsErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"already drawn":  {appErrors.ErrAlreadyDrawn, http.StatusConflict},
		"outside window": {appErrors.ErrOutsideWindow, http.StatusForbidden},
		"unavailable":    {appErrors.ErrDrawUnavailable, http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := NewDrawHandler(&drawServiceStub{err: tc.err})
			c, w := newContext(http.MethodPost, "/draws", models.DrawRequest{Grades: []string{"Khối 6"}}, teacherClaims)
			h.Draw(c)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.err.(*appErrors.Error).Code, decode(t, w).Error.Code)
		})
	}

	h := NewDrawHandler(&drawServiceStub{err: appErrors.ErrDrawUnavailable})
	c, w := newContext(http.MethodPost, "/draws", models.DrawRequest{Grades: []string{"Khối 6"}}, teacherClaims)
	h.Draw(c)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestDrawHandlerResetAndCurrent(t *testing.T) {
	stub := &drawServiceStub{}
	h := NewDrawHandler(stub)

	c, w := newContext(http.MethodPost, "/users/t9/reset-draw", nil, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "t9"}}
	h.Reset(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "t9", stub.resetID)
	assert.Equal(t, "admin", stub.resetBy)

	c, w = newContext(http.MethodGet, "/draws/me", nil, teacherClaims)
	h.Current(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), `"class_name":"6A1"`)
}

type userServiceStub struct {
	filter models.UserFilter
	actor  models.Actor
	bulk   service.BulkWindowRequest
}

func (s *userServiceStub) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	s.filter = filter
	return []models.User{{ID: "t1"}}, &models.Pagination{Page: 1, PageSize: 50, TotalCount: 1}, nil
}

func (s *userServiceStub) Get(ctx context.Context, id string) (*models.User, error) {
	return nil, appErrors.ErrNotFound
}

func (s *userServiceStub) Create(ctx context.Context, req service.CreateUserRequest, actor models.Actor) (*models.User, error) {
	s.actor = actor
	return &models.User{ID: "new", Email: req.Email}, nil
}

func (s *userServiceStub) Update(ctx context.Context, id string, req service.UpdateUserRequest, actor models.Actor) (*models.User, error) {
	return &models.User{ID: id}, nil
}

func (s *userServiceStub) ChangeRole(ctx context.Context, id string, req service.RoleRequest, actor models.Actor) (*models.User, error) {
	return nil, appErrors.Clone(appErrors.ErrConflict, "the last administrator cannot be removed")
}

func (s *userServiceStub) SetWindow(ctx context.Context, id string, req service.WindowRequest, actor models.Actor) (*models.User, error) {
	return &models.User{ID: id, DrawStartTime: req.DrawStartTime}, nil
}

func (s *userServiceStub) BulkSetWindow(ctx context.Context, req service.BulkWindowRequest, actor models.Actor) (int64, error) {
	s.bulk = req
	return int64(len(req.UserIDs)), nil
}

func (s *userServiceStub) SetGradeRestriction(ctx context.Context, id string, req service.GradeRestrictionRequest, actor models.Actor) (*models.User, error) {
	return &models.User{ID: id, ForceSingleGrade: *req.ForceSingleGrade}, nil
}

func (s *userServiceStub) Delete(ctx context.Context, id string, actor models.Actor) error {
	return nil
}

func TestUserHandlerListParsesFilters(t *testing.T) {
	stub := &userServiceStub{}
	h := NewUserHandler(stub)

	c, w := newContext(http.MethodGet, "/users?page=2&page_size=10&role=teacher&has_drawn=true&search=toan", nil, adminClaims)
	h.List(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, stub.filter.Page)
	assert.Equal(t, 10, stub.filter.PageSize)
	require.NotNil(t, stub.filter.Role)
	assert.Equal(t, models.RoleTeacher, *stub.filter.Role)
	require.NotNil(t, stub.filter.HasDrawn)
	assert.True(t, *stub.filter.HasDrawn)
	assert.Equal(t, "toan", stub.filter.Search)
	assert.Equal(t, 1, decode(t, w).Pagination.TotalCount)
}

func TestUserHandlerCreatePassesActor(t *testing.T) {
	stub := &userServiceStub{}
	h := NewUserHandler(stub)

	c, w := newContext(http.MethodPost, "/users", service.CreateUserRequest{Email: "n@edu.vn", FullName: "N"}, &models.JWTClaims{UserID: "m1", Role: models.RoleManager})
	h.Create(c)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "m1", stub.actor.ID)
	assert.Equal(t, models.RoleManager, stub.actor.Role)
}

func TestUserHandlerBulkWindowAndConflicts(t *testing.T) {
	stub := &userServiceStub{}
	h := NewUserHandler(stub)

	body := `{"user_ids":["a","b"],"draw_start_time":"2026-11-20T07:00:00+07:00","draw_end_time":"2026-11-20T09:00:00+07:00"}`
	c, w := newContext(http.MethodPost, "/users/bulk-window", body, adminClaims)
	h.BulkSetWindow(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"updated":2}`, string(decode(t, w).Data))
	assert.Equal(t, []string{"a", "b"}, stub.bulk.UserIDs)

	c, w = newContext(http.MethodPatch, "/users/admin/role", service.RoleRequest{Role: models.RoleTeacher}, adminClaims)
	c.Params = gin.Params{{Key: "id", Value: "admin"}}
	h.ChangeRole(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

type catalogServiceStub struct {
	hit     bool
	removed string
}

func (s *catalogServiceStub) Catalog(ctx context.Context) (*models.Catalog, bool, error) {
	return &models.Catalog{Grades: []string{"Khối 6"}}, s.hit, nil
}

func (s *catalogServiceStub) Settings(ctx context.Context) (*models.Settings, error) {
	return &models.Settings{}, nil
}

func (s *catalogServiceStub) Lessons(ctx context.Context) ([]models.Lesson, error) {
	return []models.Lesson{{ID: "L1"}}, nil
}

func (s *catalogServiceStub) ImportLessons(ctx context.Context, req models.LessonImportRequest, actorID string) ([]models.Lesson, error) {
	return []models.Lesson{{ID: "L1"}, {ID: "L2"}}, nil
}

func (s *catalogServiceStub) AddSubject(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return appErrors.Clone(appErrors.ErrConflict, "subject already exists")
}

func (s *catalogServiceStub) RemoveSubject(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	s.removed = req.Name
	return nil
}

func (s *catalogServiceStub) AddGrade(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return nil
}

func (s *catalogServiceStub) RemoveGrade(ctx context.Context, req models.TaxonomyRequest, actorID string) error {
	return nil
}

func (s *catalogServiceStub) AddClassroom(ctx context.Context, req models.ClassroomRequest, actorID string) (*models.Classroom, error) {
	return &models.Classroom{ID: "c1", Grade: req.Grade, Name: req.Name}, nil
}

func (s *catalogServiceStub) RemoveClassroom(ctx context.Context, id, actorID string) error {
	return nil
}

func TestCatalogHandlerReportsCacheHit(t *testing.T) {
	h := NewCatalogHandler(&catalogServiceStub{hit: true})

	c, w := newContext(http.MethodGet, "/catalog", nil, teacherClaims)
	h.Catalog(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w).Meta["cache_hit"])
}

func TestCatalogHandlerTaxonomy(t *testing.T) {
	stub := &catalogServiceStub{}
	h := NewCatalogHandler(stub)

	c, w := newContext(http.MethodDelete, "/settings/subjects?name=Tin+H%E1%BB%8Dc", nil, adminClaims)
	h.RemoveSubject(c)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "Tin Học", stub.removed)

	c, w = newContext(http.MethodPost, "/settings/subjects", models.TaxonomyRequest{Name: "Toán"}, adminClaims)
	h.AddSubject(c)
	assert.Equal(t, http.StatusConflict, w.Code)

	c, w = newContext(http.MethodPost, "/settings/classrooms", models.ClassroomRequest{Grade: "Khối 6", Name: "6A3"}, adminClaims)
	h.AddClassroom(c)
	assert.Equal(t, http.StatusCreated, w.Code)

	c, w = newContext(http.MethodPut, "/lessons", models.LessonImportRequest{Rows: [][]interface{}{{"Toán", "Khối 6", 1, 1, "A"}}}, adminClaims)
	h.ImportLessons(c)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w).Meta["count"])
}

type syncServiceStub struct{ err error }

func (s syncServiceStub) Pull(ctx context.Context, actorID string) (*models.SyncSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.SyncSummary{Users: 3}, nil
}

func TestSyncHandlerPull(t *testing.T) {
	c, w := newContext(http.MethodPost, "/sync/pull", nil, adminClaims)
	NewSyncHandler(syncServiceStub{}).Pull(c)
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = newContext(http.MethodPost, "/sync/pull", nil, adminClaims)
	NewSyncHandler(syncServiceStub{err: appErrors.Wrap(errors.New("dial tcp"), appErrors.ErrSyncFailed.Code, appErrors.ErrSyncFailed.Status, "sync failed")}).Pull(c)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

type exportServiceStub struct{ req service.ExportRequest }

func (s *exportServiceStub) Results(ctx context.Context, req service.ExportRequest) (*service.ExportResult, error) {
	s.req = req
	return &service.ExportResult{Filename: "ket_qua.pdf", ContentType: "application/pdf", Body: []byte("%PDF-1.3")}, nil
}

func TestExportHandlerStreamsAttachment(t *testing.T) {
	stub := &exportServiceStub{}
	c, w := newContext(http.MethodGet, "/exports/results?format=pdf&user_id=t1", nil, adminClaims)
	NewExportHandler(stub).Results(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="ket_qua.pdf"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, service.ExportRequest{Format: "pdf", UserID: "t1"}, stub.req)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	h := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{
		"postgres": PingFunc(func(ctx context.Context) error { return nil }),
		"redis":    PingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})

	c, w := newContext(http.MethodGet, "/ready", nil, nil)
	h.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	c, w = newContext(http.MethodGet, "/metrics", nil, nil)
	h.Prometheus(c)
	assert.Equal(t, http.StatusOK, w.Code)
}
