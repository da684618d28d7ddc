package middleware

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity: кто делает запрос (из auth-сервиса или dev-заголовков).
type Identity struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity возвращает Identity из контекста (устанавливается AuthServiceValidate или DevIdentity).
func GetIdentity(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	return v, ok && v.UserID != ""
}

// GetUserID возвращает user_id из контекста или "".
func GetUserID(ctx context.Context) string {
	v, _ := GetIdentity(ctx)
	return v.UserID
}
