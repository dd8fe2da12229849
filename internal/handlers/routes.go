package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/scholarmail/gatekeeper/internal/middleware"
	"github.com/scholarmail/gatekeeper/internal/services/ratelimit"
)

// RegisterRoutes wires the management API. The check endpoint is for
// sibling services on the internal network; the admin subtree requires an
// admin token.
func RegisterRoutes(router *mux.Router, svc *ratelimit.Service, reporter *ratelimit.Reporter) {
	router.HandleFunc("/health", HandleHealth).Methods("GET")

	api := router.PathPrefix("/api/ratelimit").Subrouter()
	api.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		HandleCheck(svc, w, r)
	}).Methods("POST")

	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.RequireAdmin())
	admin.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		HandleStatus(svc, w, r)
	}).Methods("GET")
	admin.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		HandleStats(reporter, w, r)
	}).Methods("GET")
	admin.HandleFunc("/limits", func(w http.ResponseWriter, r *http.Request) {
		HandleLimits(svc, w, r)
	}).Methods("GET")
	admin.HandleFunc("/limits/reload", func(w http.ResponseWriter, r *http.Request) {
		HandleReloadLimits(svc, w, r)
	}).Methods("POST")
	admin.HandleFunc("/cleanup", func(w http.ResponseWriter, r *http.Request) {
		HandleCleanup(svc, w, r)
	}).Methods("POST")
	admin.HandleFunc("/unblock", func(w http.ResponseWriter, r *http.Request) {
		HandleUnblock(svc, w, r)
	}).Methods("POST")
}
