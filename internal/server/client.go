package server

import (
	"net/http"

	"github.com/google/uuid"
)

const (
	clientIDHeader = "X-Client-Id"
	clientIDCookie = "gdbmux_client"
)

// clientID returns the caller's client id, or "" when the request carries
// none. The header wins over the cookie; the query parameter is accepted
// because browsers cannot set headers on a WebSocket handshake.
func clientID(r *http.Request) string {
	if id := r.Header.Get(clientIDHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(clientIDCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("client_id")
}

// ensureClientID returns the caller's client id, minting a new one and
// setting the cookie when the request has none.
func ensureClientID(w http.ResponseWriter, r *http.Request) string {
	if id := clientID(r); id != "" {
		return id
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     clientIDCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
