package transport

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/possync/possync/telemetry"
	"github.com/rs/zerolog/log"
)

// Peer identity headers carried on every sync request
const (
	NodeIDHeader           = "X-Node-ID"
	RegistrationHashHeader = "X-Registration-Hash"
)

// RegistrationHash computes the expected registration hash for the shared
// synchronization secret: the hex SHA-256 of the secret. This is a
// shared-secret bearer scheme; no nonce or replay protection.
func RegistrationHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretFunc resolves the shared secret at request time
type SecretFunc func() (string, error)

// AuthMiddleware gates peer endpoints behind the registration-hash check.
// Missing identity headers are an authentication error (401); a hash that
// does not match is an authorization error (403).
func AuthMiddleware(secretFn SecretFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nodeID := r.Header.Get(NodeIDHeader)
			hash := r.Header.Get(RegistrationHashHeader)

			if nodeID == "" || hash == "" {
				telemetry.AuthFailuresTotal.With("missing_headers").Inc()
				writeErrorResponse(w, http.StatusUnauthorized, "missing node identity headers")
				return
			}

			secret, err := secretFn()
			if err != nil {
				log.Error().Err(err).Msg("Sync secret unavailable, rejecting peer request")
				writeErrorResponse(w, http.StatusInternalServerError, "sync secret not configured")
				return
			}

			expected := RegistrationHash(secret)
			if subtle.ConstantTimeCompare([]byte(hash), []byte(expected)) != 1 {
				telemetry.AuthFailuresTotal.With("hash_mismatch").Inc()
				log.Warn().Str("node_id", nodeID).Msg("Peer request rejected: registration hash mismatch")
				writeErrorResponse(w, http.StatusForbidden, "registration hash mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
