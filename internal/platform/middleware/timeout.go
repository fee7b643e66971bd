package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a context deadline on each request. The upstream call
// inherits the deadline through the request context; when it fires before
// the handler finishes, the client gets a 504 with an OperationOutcome.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return timeoutResponse(c)
				}
				return ctx.Err()
			}
		}
	}
}

func timeoutResponse(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	outcome := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]interface{}{
			{
				"severity":    "error",
				"code":        "timeout",
				"diagnostics": "request processing exceeded the allowed time limit",
			},
		},
	}
	return c.JSON(http.StatusGatewayTimeout, outcome)
}
