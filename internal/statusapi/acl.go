// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package statusapi

import (
	"log/slog"
	"net"
	"net/http"
)

// openPaths respondem a qualquer IP (liveness do orquestrador).
var openPaths = map[string]bool{
	"/healthz": true,
}

// ACL restringe /metrics e /v1/chunks aos clientes em http.allow. Lock records
// e caminhos de chunk não saem para IPs fora da lista.
type ACL struct {
	nets   []*net.IPNet
	logger *slog.Logger
}

// NewACL usa os CIDRs já validados por config (HTTPConfig.AllowNets).
func NewACL(nets []*net.IPNet, logger *slog.Logger) *ACL {
	if logger == nil {
		logger = slog.Default()
	}
	return &ACL{nets: nets, logger: logger.With("component", "status_acl")}
}

func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || a.Allowed(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		a.logger.Debug("status request denied", "remote", r.RemoteAddr, "path", r.URL.Path)
		writeError(w, http.StatusForbidden, "client not in http.allow")
	})
}

// Allowed aceita "host:port" (RemoteAddr) ou só o IP.
func (a *ACL) Allowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
