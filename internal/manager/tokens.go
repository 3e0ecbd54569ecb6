package manager

// Token registry. Tokens are opaque bearer credentials mapping to a
// (daemonID, userID) pair. Issuance and expiry are handled externally;
// the registry only resolves and revokes.

// RegisterToken binds a bearer token to a daemon and its owning user.
// Re-registering an existing token overwrites the binding.
func (m *Manager) RegisterToken(token, daemonID, userID string) {
	m.mu.Lock()
	m.tokens[token] = identity{daemonID: daemonID, userID: userID}
	m.mu.Unlock()

	m.logger.Debug().Str("daemon_id", daemonID).Str("user_id", userID).Msg("token registered")
}

// Authenticate resolves a bearer token to its daemon and user ids.
func (m *Manager) Authenticate(token string) (daemonID, userID string, ok bool) {
	m.mu.Lock()
	id, ok := m.tokens[token]
	m.mu.Unlock()

	if !ok {
		return "", "", false
	}
	return id.daemonID, id.userID, true
}

// RevokeToken removes a token binding. Any live socket for the bound
// daemon is closed, which runs the disconnect cascade via the transport
// close event; the cascade is also applied directly so revocation takes
// effect even before the transport notices.
func (m *Manager) RevokeToken(token string) {
	m.mu.Lock()
	id, ok := m.tokens[token]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.tokens, token)
	sock := m.conns[id.daemonID]
	m.mu.Unlock()

	m.logger.Info().Str("daemon_id", id.daemonID).Msg("token revoked")

	if sock != nil {
		_ = sock.Close()
		m.HandleDisconnect(id.daemonID, sock)
	}
}
