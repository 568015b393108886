package auth

// count of stored refresh tokens, for assertions.
func (m *InMemoryStore) tokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// lookup by hash without copying, for assertions.
func (m *InMemoryStore) tokenByHash(hash string) *RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[hash]
}
