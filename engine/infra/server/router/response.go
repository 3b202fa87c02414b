package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the success envelope shared by every handler.
type Response struct {
	Status  int    `json:"status"  example:"200"`
	Message string `json:"message" example:"document retrieved"`
	Data    any    `json:"data"`
	Error   any    `json:"error"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{Status: status, Message: message, Data: data})
}

func RespondOK(c *gin.Context, message string, data any) {
	respond(c, http.StatusOK, message, data)
}

func RespondCreated(c *gin.Context, message string, data any) {
	respond(c, http.StatusCreated, message, data)
}

func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
