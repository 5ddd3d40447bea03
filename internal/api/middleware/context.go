package middleware

import (
	"context"
	"net/http"

	"github.com/keyhive/keyhive/pkg/models"
)

type contextKey string

const (
	identityKey  contextKey = "identity"
	keyPrefixKey contextKey = "key_prefix"
)

func SetIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func GetIdentity(r *http.Request) (models.Identity, bool) {
	id, ok := r.Context().Value(identityKey).(models.Identity)
	return id, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
