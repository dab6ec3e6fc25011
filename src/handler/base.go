package handler

import (
	"github.com/gin-gonic/gin"
)

// BaseHandler bundles the small set of response helpers shared by every
// handler in this package.
type BaseHandler struct{}

// NewBaseHandler creates a BaseHandler.
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// SendJSON writes a JSON body with the given status code.
func (h *BaseHandler) SendJSON(c *gin.Context, status int, body interface{}) {
	c.JSON(status, body)
}

// ErrorResponse is the standard error body for REST endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

// SendError writes a JSON error body, deriving the message from err.
func (h *BaseHandler) SendError(c *gin.Context, status int, err error) {
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// GetQueryParam returns a query parameter, or def if absent.
func (h *BaseHandler) GetQueryParam(c *gin.Context, name, def string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return def
}
