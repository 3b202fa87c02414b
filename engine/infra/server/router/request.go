package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/crmkit/knowledge/engine/infra/server/appstate"
)

// OwnerHeader carries the tenant scope of every knowledge request.
const OwnerHeader = "X-Owner-ID"

// OwnerID returns the tenant of the request, writing a 400 problem and
// returning "" when the header is missing.
func OwnerID(c *gin.Context) string {
	owner := strings.TrimSpace(c.GetHeader(OwnerHeader))
	if owner == "" {
		RespondProblemWithCode(c, http.StatusBadRequest, ErrOwnerMissingCode, OwnerHeader+" header is required")
		return ""
	}
	return owner
}

// GetURLParam returns a required path parameter or writes a 400 problem.
func GetURLParam(c *gin.Context, name string) string {
	value := strings.TrimSpace(c.Param(name))
	if value == "" {
		RespondProblemWithCode(c, http.StatusBadRequest, ErrIDMissingCode, name+" is required")
		return ""
	}
	return value
}

// GetRequestBody binds and validates the JSON body into T. It writes the
// problem response and returns nil on failure.
func GetRequestBody[T any](c *gin.Context) *T {
	var body T
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBindError(c, err)
		return nil
	}
	return &body
}

func respondBindError(c *gin.Context, err error) {
	var (
		tooLarge   *http.MaxBytesError
		validation validator.ValidationErrors
	)
	switch {
	case errors.As(err, &tooLarge):
		RespondBodyTooLarge(c, tooLarge.Limit)
	case errors.As(err, &validation):
		fields := make([]string, 0, len(validation))
		for _, fe := range validation {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		RespondProblemWithCode(c, http.StatusBadRequest, ErrValidationCode, strings.Join(fields, "; "))
	default:
		RespondProblemWithCode(c, http.StatusBadRequest, ErrBadRequestCode, "invalid request body: "+err.Error())
	}
}

// GetAppState returns the application state or writes a 500 problem.
func GetAppState(c *gin.Context) *appstate.State {
	state, err := appstate.GetState(c.Request.Context())
	if err != nil {
		RespondProblemWithCode(c, http.StatusInternalServerError, ErrInternalCode, "application state not initialized")
		return nil
	}
	return state
}

// RespondBodyTooLarge writes the 413 problem shared by the size limiter and
// request decoding.
func RespondBodyTooLarge(c *gin.Context, limit int64) {
	RespondProblemWithCode(c, http.StatusRequestEntityTooLarge, ErrBodyTooLargeCode,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}
