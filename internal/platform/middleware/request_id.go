package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// HeaderRequestID is the correlation id header, echoed back to the client
// and quoted in error bodies.
const HeaderRequestID = "X-Request-ID"

// RequestID assigns a correlation id to each request. A client-supplied
// X-Request-ID is kept; otherwise a UUID is generated. The id is stored on
// the echo context under "request_id" and set on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(HeaderRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(HeaderRequestID, rid)
			return next(c)
		}
	}
}
