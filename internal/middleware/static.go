package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><rect x="55" y="70" width="90" height="60" rx="8" fill="#999"/><circle cx="125" cy="100" r="8" fill="#f0f0f0"/><text x="100" y="170" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">WALLET</text></svg>`

// StaticFileServer serves assets from dir, falling back to a placeholder
// image for anything missing so mobile clients never render a broken icon.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(placeholderSVG))
	})
}
