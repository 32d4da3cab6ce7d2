package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds defensive response
// headers to the admin API. The admin plane is plain JSON over HTTP and is
// never meant to be framed or sniffed. Headers are set before the handler
// runs; once the response is committed they would be discarded.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
