package main

import (
	"softphone-console/internal/httpapi"
	"softphone-console/internal/rbac"

	"github.com/gin-gonic/gin"
)

func roleGuards() (readers, operators []gin.HandlerFunc) {
	return []gin.HandlerFunc{rbac.RequireAnyRole(rbac.Readers...)},
		[]gin.HandlerFunc{rbac.RequireAnyRole(rbac.RoleOperator)}
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. readers and operators are empty
// when auth is disabled.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, readers, operators []gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.Use(authMW)

	read := v1.Group("")
	read.Use(readers...)
	{
		read.GET("/state", h.State)
		read.GET("/log", h.Log)
		read.GET("/calls", h.Calls)
		read.GET("/calls/summary", h.CallsSummary)
		read.GET("/stream", h.Stream)
	}

	act := v1.Group("")
	act.Use(operators...)
	{
		act.POST("/agent/start", h.StartAgent)
		act.POST("/session/start", h.StartSession)
		act.POST("/session/stop", h.StopSession)
		act.PUT("/ui/config-card", h.SetConfigCard)
		act.PUT("/ui/log-card", h.SetLogCard)
	}
}
