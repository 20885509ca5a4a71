package web

import (
	"net/http"
	"path/filepath"
)

// MaskingPage serves the masking page from dir
func MaskingPage(dir string) http.HandlerFunc {
	if dir == "" {
		dir = "web"
	}
	pagePath := filepath.Join(dir, "masking.html")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		http.ServeFile(w, r, pagePath)
	}
}
