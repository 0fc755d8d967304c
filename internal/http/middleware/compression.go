package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForWebSocket wraps a compression middleware so WebSocket
// upgrade requests bypass it. The compression wrapper's ResponseWriter does
// not implement http.Hijacker, which the upgrade handshake needs.
func SkipCompressionForWebSocket(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
