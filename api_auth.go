package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const cookieFilename = "api.cookie"

// generateToken creates a 32-byte random hex token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate API token")
	}
	return hex.EncodeToString(b), nil
}

// writeCookie stores the control token in <dataDir>/api.cookie, readable by
// the owner only.
func writeCookie(dataDir, token string) error {
	path := filepath.Join(dataDir, cookieFilename)
	return errors.Wrap(os.WriteFile(path, []byte(token), 0600), "write API cookie")
}

// readCookie loads the token a local daemon wrote.
func readCookie(dataDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, cookieFilename))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func deleteCookie(dataDir string) {
	_ = os.Remove(filepath.Join(dataDir, cookieFilename))
}

// requireToken rejects requests without a matching bearer token. An empty
// token leaves the route open.
func requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
