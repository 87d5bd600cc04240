// Package models holds the domain types shared across the marketplace
// client, event runner, dispatcher, handlers and control-plane bridge.
package models

import "net/http"

// ProxyConfig describes an outbound HTTP proxy the client should route
// through. Enable toggles whether it is used at all.
type ProxyConfig struct {
	Enable   bool
	IP       string
	Port     int
	Login    string
	Password string
}

// Account is the singleton identity + connection record: who we are logged
// in as, and what session is currently authenticated. Created at startup,
// refreshed by the session-refresh loop, torn down at shutdown.
type Account struct {
	UserID      string
	DisplayName string
	SessionTok  string // golden key, carried as an HTTP cookie
	CSRFToken   string
	Locale      string
	Proxy       ProxyConfig
	HTTPClient  *http.Client
}
