package middleware

import (
    "time"

    "github.com/labstack/echo/v4"
    "github.com/sirupsen/logrus"
)

// RequestLogger writes one structured line per request.  Server errors log
// at Error, client errors at Warn, everything else at Info.
func RequestLogger(log *logrus.Logger) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            start := time.Now()
            err := next(c)
            if err != nil {
                // let echo write the response so the status below is final
                c.Error(err)
            }
            req := c.Request()
            status := c.Response().Status
            fields := logrus.Fields{
                "method":     req.Method,
                "path":       c.Path(),
                "uri":        req.RequestURI,
                "status":     status,
                "latency_ms": time.Since(start).Milliseconds(),
                "remote_ip":  c.RealIP(),
            }
            if id, ok := UserID(c); ok {
                fields["user_id"] = id
            }
            entry := log.WithFields(fields)
            if err != nil {
                entry = entry.WithError(err)
            }
            switch {
            case status >= 500:
                entry.Error("request")
            case status >= 400:
                entry.Warn("request")
            default:
                entry.Info("request")
            }
            return nil
        }
    }
}
