package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/psds-microservice/support-session/internal/errs"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/service"
)

const actorKey = "support.actor"

// Claims — полезная нагрузка bearer-токена.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

// Authenticator проверяет HS256-токены, выпущенные внешним auth-сервисом.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Parse валидирует токен и возвращает участника.
func (a *Authenticator) Parse(token string) (service.Actor, error) {
	if token == "" || len(a.secret) == 0 {
		return service.Actor{}, errs.ErrUnauthorized
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return service.Actor{}, errs.ErrUnauthorized
	}
	if claims.Subject == "" {
		return service.Actor{}, errs.ErrUnauthorized
	}
	role := model.SenderRole(claims.Role)
	if role != model.SenderAgent {
		role = model.SenderUser
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return service.Actor{ID: claims.Subject, Name: name, Role: role}, nil
}

// Issue подписывает токен; используется командой token и тестами.
func (a *Authenticator) Issue(actor service.Actor, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: actor.Name,
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest берёт токен из Authorization: Bearer или из ?token= (для websocket).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// RequireAuth отклоняет запросы без валидного токена с 401.
func RequireAuth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := a.Parse(TokenFromRequest(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// ActorFrom достаёт участника, положенного RequireAuth.
func ActorFrom(c *gin.Context) (service.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return service.Actor{}, false
	}
	actor, ok := v.(service.Actor)
	return actor, ok
}
