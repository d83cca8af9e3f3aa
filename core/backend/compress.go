package backend

import (
	"github.com/gorilla/handlers"
)

// handleCompression makes the resource API compress responses for clients
// that announce support through Accept-Encoding.
func (b *Backend) handleCompression() {
	b.router.Use(handlers.CompressHandler)
}
