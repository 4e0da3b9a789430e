package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
	"github.com/noah-isme/lesson-draw-api/pkg/logger"
	"github.com/noah-isme/lesson-draw-api/pkg/middleware/requestid"
)

type stubValidator struct {
	claims *models.JWTClaims
	err    error
	got    string
}

func (s *stubValidator) ValidateToken(token string) (*models.JWTClaims, error) {
	s.got = token
	return s.claims, s.err
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/p", handlers...)
	return r
}

func perform(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTMiddleware(t *testing.T) {
	validator := &stubValidator{claims: &models.JWTClaims{UserID: "t1", Role: models.RoleTeacher}}
	var seenUser string
	r := newRouter(JWT(validator), func(c *gin.Context) {
		seenUser = c.GetString(logger.UserIDKey)
		require.NotNil(t, Claims(c))
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusUnauthorized, perform(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(r, "Basic abc").Code)

	w := perform(r, "bearer  token-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "token-1", validator.got)
	assert.Equal(t, "t1", seenUser)

	validator.err = appErrors.Clone(appErrors.ErrUnauthorized, "token expired")
	assert.Equal(t, http.StatusUnauthorized, perform(r, "Bearer token-2").Code)
}

func TestRequireRoles(t *testing.T) {
	withClaims := func(role models.UserRole) gin.HandlerFunc {
		return func(c *gin.Context) {
			if role != "" {
				c.Set(ContextUserKey, &models.JWTClaims{UserID: "u", Role: role})
			}
		}
	}
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }

	assert.Equal(t, http.StatusOK, perform(newRouter(withClaims(models.RoleManager), RequireRoles(models.RoleAdmin, models.RoleManager), ok), "").Code)
	assert.Equal(t, http.StatusForbidden, perform(newRouter(withClaims(models.RoleTeacher), RequireRoles(models.RoleAdmin), ok), "").Code)
	assert.Equal(t, http.StatusUnauthorized, perform(newRouter(withClaims(""), RequireRoles(models.RoleAdmin), ok), "").Code)
}

type observedRequest struct {
	method, path string
	status       int
}

type recordingObserver struct{ seen []observedRequest }

func (o *recordingObserver) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	o.seen = append(o.seen, observedRequest{method, path, status})
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &recordingObserver{}
	r := gin.New()
	r.Use(Metrics(observer))
	r.GET("/users/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, path := range []string{"/users/42", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	require.Len(t, observer.seen, 2)
	assert.Equal(t, observedRequest{http.MethodGet, "/users/:id", http.StatusNoContent}, observer.seen[0])
	assert.Equal(t, "unmatched", observer.seen[1].path)
}

type recordingAudit struct{ logs []*models.AuditLog }

func (r *recordingAudit) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, log)
	return nil
}

func TestAuditMiddlewareSkipsFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &recordingAudit{}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})
	})
	r.GET("/ok", Audit(recorder, nil, "EXPORT", "results"), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/fail", Audit(recorder, nil, "EXPORT", "results"), func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok?format=pdf", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	require.Len(t, recorder.logs, 1)
	entry := recorder.logs[0]
	assert.Equal(t, "EXPORT", entry.Action)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "admin", *entry.UserID)

	var values map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.NewValues, &values))
	assert.Equal(t, "format=pdf", values["query"])
}

func TestResponseMeta(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var meta map[string]interface{}
	r := gin.New()
	r.Use(requestid.Middleware(), ResponseMeta())
	r.GET("/p", func(c *gin.Context) {
		SetCacheHit(c, true)
		meta = Meta(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, true, meta["cache_hit"])
	assert.Equal(t, "req-1", meta["request_id"])
	assert.Contains(t, meta, "processing_time_ms")
	assert.NotContains(t, meta, "started_at")
}
