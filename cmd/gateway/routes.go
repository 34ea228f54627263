package main

import (
	"log/slog"

	"joblance-gateway/internal/audit"
	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/httpapi"
	"joblance-gateway/internal/metrics"
	"joblance-gateway/internal/rbac"
	"joblance-gateway/internal/realtime"
	"joblance-gateway/internal/upstream"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	backends    map[string]*upstream.Client
	validator   *auth.Validator
	refresher   *auth.Refresher
	revocations *auth.RevocationStore
	cache       cache.Store
	audit       *audit.Service
	authMW      *auth.Middleware
	hub         *realtime.Hub
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// publicServices serve guests as well as signed-in users; every other
// backend needs a valid identity.
var publicServices = map[string]bool{
	"auth":    true,
	"gigs":    true,
	"reviews": true,
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	forwarders := make(map[string]httpapi.Forwarder, len(d.backends))
	for name, client := range d.backends {
		forwarders[name] = client
	}
	h := httpapi.Handlers{
		Backends:    forwarders,
		Validator:   d.validator,
		Refresher:   d.refresher,
		Revocations: d.revocations,
		Cache:       d.cache,
		Audit:       d.audit,
		Log:         d.log,
	}

	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/gateway-health", h.GatewayHealth)

	sessions := v1.Group("/session")
	{
		sessions.POST("/signin", h.SignIn)
		sessions.POST("/refresh", h.Refresh)
		sessions.POST("/logout", d.authMW.Require(), h.Logout)
	}

	// ADMIN routes are forwarded to the users service.
	v1.Any("/admin/*path", d.authMW.RequireWithRefresh(), rbac.RequireAnyRole(rbac.RoleAdmin), h.ForwardUnder("users", "/admin"))

	for name := range d.backends {
		identity := d.authMW.RequireWithRefresh()
		if publicServices[name] {
			identity = d.authMW.Optional()
		}
		v1.Any("/"+name+"/*path", identity, h.Forward(name))
	}

	// WebSocket namespaces. Identity is optional; the authenticate event
	// binds a user on the connection when no token came with the upgrade.
	r.GET("/ws", d.authMW.Optional(), d.hub.ServeWS(realtime.NamespaceDefault))
	r.GET("/ws/:namespace", d.authMW.Optional(), d.hub.ServeNamespace())
}
