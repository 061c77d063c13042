package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/joshu-sajeev/kapublish/common"
	"github.com/joshu-sajeev/kapublish/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) common.APIError {
	t.Helper()
	var body common.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "api error",
			err:        common.Errf(http.StatusNotFound, "job %s not found", "x"),
			wantStatus: http.StatusNotFound,
			wantCode:   common.CodeNotFound,
			wantMsg:    "job x not found",
		},
		{
			name:       "wrapped api error",
			err:        errors.Wrap(common.DependencyUnavailable("store"), "enqueue"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   common.CodeDependencyUnavailable,
			wantMsg:    "dependency unavailable",
		},
		{
			name:       "plain error is not leaked",
			err:        errors.New("pq: password authentication failed"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   common.CodeInternal,
			wantMsg:    "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ErrorHandler())
			r.GET("/", func(c *gin.Context) { _ = c.Error(tt.err) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeAPIError(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}

func TestErrorHandler_KeepsWrittenResponse(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusTeapot, gin.H{"ok": true})
		_ = c.Error(errors.New("late"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

type purgeBody struct {
	OlderThan string `json:"olderThan" validate:"required"`
	Limit     int    `json:"limit" validate:"omitempty,min=1,max=10"`
}

func TestBind(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantOK     bool
		wantCode   string
		wantFields []string
	}{
		{name: "valid", body: `{"olderThan":"24h","limit":3}`, wantOK: true},
		{name: "malformed", body: `{"olderThan":`, wantCode: common.CodeInvalidJSON},
		{name: "every field reported", body: `{"limit":50}`, wantCode: common.CodeValidation, wantFields: []string{"olderThan", "limit"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ErrorHandler())
			r.POST("/", func(c *gin.Context) {
				var body purgeBody
				if !Bind(c, &body) {
					return
				}
				c.Status(http.StatusNoContent)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			if tt.wantOK {
				assert.Equal(t, http.StatusNoContent, w.Code)
				return
			}
			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeAPIError(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			for _, f := range tt.wantFields {
				assert.Contains(t, body.Fields, f)
			}
		})
	}
}

func TestFormatValidationErrors_NonValidationError(t *testing.T) {
	fields := FormatValidationErrors(errors.New("boom"))
	assert.Equal(t, map[string]any{"_": "boom"}, fields)
}

func TestTimeoutMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutMiddleware(20 * time.Millisecond))

	var deadline time.Time
	var ok bool
	var ctxErr error
	r.GET("/", func(c *gin.Context) {
		deadline, ok = c.Request.Context().Deadline()
		<-c.Request.Context().Done()
		ctxErr = c.Request.Context().Err()
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, ok)
	assert.False(t, deadline.IsZero())
	assert.ErrorIs(t, ctxErr, context.DeadlineExceeded)
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
	}{
		{"no token configured", "", "Bearer anything", http.StatusServiceUnavailable},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"valid", "s3cret", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(AdminAuth(tt.token))
			r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

type recordingMetrics struct {
	metrics.Noop
	routes []string
}

func (m *recordingMetrics) ObserveRequest(method, route, status string, _ float64) {
	m.routes = append(m.routes, method+" "+route+" "+status)
}

func TestRequestLogger_ObservesRoutePattern(t *testing.T) {
	m := &recordingMetrics{}
	r := gin.New()
	r.Use(RequestLogger(zap.NewNop().Sugar(), m))
	r.GET("/assets/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/assets/123", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, []string{"GET /assets/:id 200", "GET unmatched 404"}, m.routes)
}
