package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tas-knowledge-base/errs"
)

// Envelope is the common shape of every JSON body the service returns.
// Success responses carry Data; failures carry Message and ErrorCode.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data"`
	Message   string    `json:"message"`
	ErrorCode string    `json:"errorCode"`
	Timestamp time.Time `json:"timestamp"`
}

// Respond writes a success envelope around data.
func Respond(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Fail writes a failure envelope with a client-safe message and stable code.
func Fail(c *gin.Context, status int, message, code string) {
	c.JSON(status, Envelope{
		Success:   false,
		Message:   message,
		ErrorCode: code,
		Timestamp: time.Now().UTC(),
	})
}

// RespondError maps a tagged business error to its HTTP status. Untagged
// errors become 500 with a generic message so internals never leak.
func RespondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	if kind == "" {
		log.Printf("Internal error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		Fail(c, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR")
		return
	}
	Fail(c, errs.HTTPStatus(kind), errs.MessageOf(err), string(kind))
}
