package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// OperatorAuth выполняет проверку операторского токена в заголовке Authorization.
// Маршруты под этим middleware доступны только персоналу бара.
type OperatorAuth struct {
	token []byte
}

// NewOperatorAuth создаёт новый экземпляр OperatorAuth с указанным токеном.
// При пустом токене генерируется случайный, фактически закрывающий доступ.
func NewOperatorAuth(token string) *OperatorAuth {
	key := []byte(token)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("operator-access-disabled")
		}
	}

	return &OperatorAuth{
		token: key,
	}
}

// Middleware сверяет токен из заголовка Authorization с операторским токеном.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		presented := strings.TrimPrefix(header, bearerPrefix)
		if !hmac.Equal([]byte(presented), a.token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
