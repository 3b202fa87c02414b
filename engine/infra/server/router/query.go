package router

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// QueryBool parses an optional boolean query parameter. A malformed value
// writes a 400 problem and reports ok=false.
func QueryBool(c *gin.Context, name string) (value bool, ok bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return false, true
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		RespondProblemWithCode(c, http.StatusBadRequest, ErrBadRequestCode, name+" must be a boolean")
		return false, false
	}
	return parsed, true
}
