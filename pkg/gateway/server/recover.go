//
//  Copyright © Maatini. All rights reserved.
//

package server

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"github.com/maatini/authgate/pkg/common"
)

// recoverPanics converts a panic in any pipeline stage into a 500 with
// the gateway's error body. The panic value and stack are logged; the
// caller never sees internal detail.
func (s *Server) recoverPanics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		defer func() {
			if r := recover(); r != nil {
				req := c.Request()
				logger.Errorf("panic serving %s %s: %v\n%s",
					req.Method, req.URL.Path, r, debug.Stack())

				if !c.Response().Committed {
					_ = c.JSON(http.StatusInternalServerError, common.ErrorBody{
						Code:    common.CodeInternalError,
						Message: "Internal server error",
					})
				}
			}
		}()
		return next(c)
	}
}
