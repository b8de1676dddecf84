package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the full HTTP surface: unauthenticated health, the
// token-authed dispatch endpoint and the admin-secret management API.
func NewRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Use(WorkspaceAuth)
		r.Post("/dispatch", s.Dispatch)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth)

		r.Post("/workspaces", CreateWorkspace)
		r.Get("/workspaces", ListWorkspaces)
		r.Put("/workspaces/{id}/disable", SetWorkspaceActive(false))
		r.Put("/workspaces/{id}/enable", SetWorkspaceActive(true))

		r.Post("/credentials", s.CreateCredential)
		r.Put("/credentials/{id}/rotate", s.RotateCredential)
		r.Delete("/credentials/{id}", s.DeleteCredential)
		r.Get("/workspaces/{id}/credentials", ListCredentials)

		r.Put("/workspaces/{id}/policies/{name}", PutPolicy)
		r.Get("/workspaces/{id}/policies", ListPolicies)

		r.Get("/workspaces/{id}/limits", GetLimits)
		r.Put("/workspaces/{id}/limits", SetLimits)

		r.Get("/workspaces/{id}/usage", GetUsage)
		r.Get("/workspaces/{id}/usage/trend", GetUsageTrend)
	})

	return r
}
