package middleware

// identity.go holds the context keys JWTAuth fills and the accessors
// handlers and other middleware use to read them back.

import (
    "strconv"

    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
)

const (
    ctxUserID = "user_id"
    ctxRole   = "role"
    ctxEmail  = "email"
)

// subject reads the "sub" claim, falling back to "user_id".  Both numeric
// and string encodings are accepted.
func subject(cl jwt.MapClaims) (uint64, bool) {
    for _, key := range []string{"sub", "user_id"} {
        switch v := cl[key].(type) {
        case float64:
            if v > 0 && v == float64(uint64(v)) {
                return uint64(v), true
            }
        case string:
            if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
                return n, true
            }
        }
    }
    return 0, false
}

// UserID returns the authenticated user's id.
func UserID(c echo.Context) (uint64, bool) {
    id, ok := c.Get(ctxUserID).(uint64)
    return id, ok && id > 0
}

// Role returns the authenticated user's role, or "" for anonymous requests.
func Role(c echo.Context) string {
    r, _ := c.Get(ctxRole).(string)
    return r
}

// Email returns the email claim of the token, if it carried one.
func Email(c echo.Context) string {
    e, _ := c.Get(ctxEmail).(string)
    return e
}
