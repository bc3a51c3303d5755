package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupAuthRouter() *gin.Engine {
	r := gin.New()
	r.GET("/whoami", JWTAuth(testSecret), RequireRole(auth.RoleOperator), func(c *gin.Context) {
		tenantID, ok := TenantID(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID.String(), "operator": c.GetString(OperatorKey)})
	})
	return r
}

func TestJWTAuthBindsTenant(t *testing.T) {
	tenantID := uuid.New()
	token, err := auth.GenerateToken(auth.Config{JWTSecret: testSecret}, "alice", auth.RoleOperator, tenantID)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	setupAuthRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tenantID.String())
	assert.Contains(t, w.Body.String(), "alice")
}

func TestJWTAuthQueryToken(t *testing.T) {
	token, err := auth.GenerateToken(auth.Config{JWTSecret: testSecret}, "alice", auth.RoleOperator, uuid.New())
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/whoami?access_token="+token, nil)
	w := httptest.NewRecorder()

	setupAuthRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuthRejects(t *testing.T) {
	wrongSecret, err := auth.GenerateToken(auth.Config{JWTSecret: "other"}, "alice", auth.RoleOperator, uuid.New())
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"garbage":      "Bearer abc.def.ghi",
		"wrong secret": "Bearer " + wrongSecret,
	} {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/whoami", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()

			setupAuthRouter().ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRequireRoleForbidden(t *testing.T) {
	r := gin.New()
	r.GET("/admin-only", func(c *gin.Context) {
		c.Set(RoleKey, auth.RoleOperator)
		c.Next()
	}, RequireRole(auth.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/admin-only", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		provided   string
		code       int
	}{
		{"not configured", "", "anything", http.StatusServiceUnavailable},
		{"missing", "k", "", http.StatusUnauthorized},
		{"wrong", "k", "nope", http.StatusUnauthorized},
		{"valid", "k", "k", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/admin", APIKeyAuth(tc.configured), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req, _ := http.NewRequest("GET", "/admin", nil)
			if tc.provided != "" {
				req.Header.Set(apiKeyHeader, tc.provided)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tc.code, w.Code)
		})
	}
}
