// Package handlers provides HTTP request handlers.
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/roea-ai/reel/pkg/types"
)

// respondError writes err with the status its code maps to.
func respondError(c *gin.Context, err error) {
	body := gin.H{
		"error": err.Error(),
		"code":  types.CodeOf(err),
	}
	var e *types.Error
	if errors.As(err, &e) && len(e.Context) > 0 {
		body["context"] = e.Context
	}
	c.JSON(types.HTTPStatus(err), body)
}

// bindError reports a malformed request body.
func bindError(c *gin.Context, err error) {
	respondError(c, types.ValidationError("invalid request body: %v", err))
}
