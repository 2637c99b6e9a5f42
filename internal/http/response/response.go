// Package response standardizes the HTTP envelope and the mapping from coded
// service errors to status codes.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, gin.H{"data": data})
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error renders a coded error with its mapped status. Uncoded errors become
// opaque 500s; their detail stays in the logs.
func Error(c *gin.Context, err error) {
	code := chatdomain.CodeOf(err)
	status := StatusOf(code)
	msg := err.Error()
	if code == "" || code == chatdomain.CodeInternal {
		code = chatdomain.CodeInternal
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: string(code), Message: msg}})
}

func StatusOf(code chatdomain.ErrorCode) int {
	switch code {
	case chatdomain.CodeValidation:
		return http.StatusBadRequest
	case chatdomain.CodeUnauthorized:
		return http.StatusForbidden
	case chatdomain.CodeNotFound:
		return http.StatusNotFound
	case chatdomain.CodeLockContention, chatdomain.CodeConflict:
		return http.StatusConflict
	case chatdomain.CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
