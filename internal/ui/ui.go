package ui

import (
	"embed"
	"net/http"
	"os"
)

//go:embed index.html
var content embed.FS

// Handler serves the single-page shell. The router mounts it on "/",
// "/login", "/forgot-password", "/reset-password" and every role area
// ("/admin/*", "/owner/*", "/tenant/*" and the specialist areas); the page
// script picks the view from the path and talks to /api/auth. The guard runs
// first, so role areas only reach the shell for callers allowed in them.
//
// With RENTDESK_DEV=1 the file is re-read from disk on each request.
func Handler() http.Handler {
	if os.Getenv("RENTDESK_DEV") == "1" {
		return devHandler()
	}
	return embeddedHandler()
}

func embeddedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := content.ReadFile("index.html")
		if err != nil {
			http.Error(w, "ui not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	})
}

func devHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile("internal/ui/index.html")
		if err != nil {
			http.Error(w, "ui not found: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	})
}
