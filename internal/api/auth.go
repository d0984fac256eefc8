package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"minicdp/internal/store"
)

// HashKey returns the hex sha256 of a raw API key. Only hashes are stored.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// requireAuth wraps a handler with an API key check at the given minimum
// permission level. The key is taken from the Authorization bearer header
// or, as a fallback, the apiKey query parameter. Bootstrap keys from the
// environment are checked before the database so a fresh deployment can
// mint its first real keys.
func (s *Server) requireAuth(min store.KeyKind, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerKey(r)
		if raw == "" {
			writeError(w, codeUnauthorized, "missing API key")
			return
		}

		kind, err := s.lookupKey(r, raw)
		if err != nil {
			writeError(w, codeUnauthorized, "invalid API key")
			return
		}
		if !kind.Allows(min) {
			writeError(w, codeForbidden, "insufficient permission")
			return
		}
		next(w, r)
	}
}

func (s *Server) lookupKey(r *http.Request, raw string) (store.KeyKind, error) {
	if kind, ok := s.bootstrapKeys[raw]; ok {
		return kind, nil
	}
	key, err := s.ds.GetAPIKeyByHash(r.Context(), HashKey(raw))
	if err != nil {
		return "", errors.New("unknown key")
	}
	return key.Kind, nil
}

func bearerKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("apiKey")
}
