package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"joblance-gateway/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, id *auth.Identity, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		if id != nil {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), *id))
		}
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	id := auth.Identity{Subject: "u", Roles: []string{RoleAdmin}}
	if code := serve(t, &id, RequireAnyRole(RoleSeller)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_MatchingRole(t *testing.T) {
	id := auth.Identity{Subject: "u", Roles: []string{RoleBuyer, RoleSeller}}
	if code := serve(t, &id, RequireAnyRole(RoleSeller)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_MissingRoleDenied(t *testing.T) {
	id := auth.Identity{Subject: "u", Roles: []string{RoleBuyer}}
	if code := serve(t, &id, RequireAnyRole(RoleAdmin)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_GuestUnauthorized(t *testing.T) {
	if code := serve(t, nil, RequireAnyRole(RoleBuyer)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireAuthenticated(t *testing.T) {
	guest := auth.Guest()
	if code := serve(t, &guest, RequireAuthenticated()); code != 401 {
		t.Fatalf("guest: expected 401, got %d", code)
	}
	user := auth.Identity{Subject: "u"}
	if code := serve(t, &user, RequireAuthenticated()); code != 200 {
		t.Fatalf("user: expected 200, got %d", code)
	}
}
