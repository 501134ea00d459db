package server

import (
	_ "embed"
	"net/http"
)

//go:embed upload.html
var uploadPage []byte

// handleUploadPage serves the mini-app file picker. The page obtains a
// signed PUT URL, uploads straight to the object store, and then calls
// /api/process.
func (s *Server) handleUploadPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(uploadPage)
}
