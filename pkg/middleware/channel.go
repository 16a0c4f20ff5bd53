package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Key type biar aman di context (tidak bentrok)
type channelKey struct{}

var ChannelContextKey = channelKey{}

// deriveChannelFromAPIKey menebak channel dari pola API key
func deriveChannelFromAPIKey(key string) string {
	switch {
	case strings.HasPrefix(key, "app_"):
		return "app"
	case strings.HasPrefix(key, "web_"):
		return "online"
	case strings.HasPrefix(key, "partner_"):
		return "partner"
	default:
		return "api"
	}
}

// Channel tags the request context with the calling channel based on the
// x-api-key header.
func Channel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := "api"
		if key := r.Header.Get("x-api-key"); key != "" {
			channel = deriveChannelFromAPIKey(key)
		}
		ctx := context.WithValue(r.Context(), ChannelContextKey, channel)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetChannel mengembalikan string channel saat ini (default "api")
func GetChannel(ctx context.Context) string {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	if !ok {
		return "api"
	}
	return ch
}
