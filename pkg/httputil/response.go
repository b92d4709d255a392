package httputil

import (
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pawpal/comms-api/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

var statusByCode = map[errors.Code]int{
	errors.CodeInvalidTemplate:  http.StatusUnprocessableEntity,
	errors.CodeChannelDisabled:  http.StatusConflict,
	errors.CodeUserOptedOut:     http.StatusConflict,
	errors.CodeQuietHours:       http.StatusConflict,
	errors.CodeFrequencyLimit:   http.StatusConflict,
	errors.CodeTemplateError:    http.StatusUnprocessableEntity,
	errors.CodeInvalidRecipient: http.StatusUnprocessableEntity,
	errors.CodeNotFound:         http.StatusNotFound,
	errors.CodeBadRequest:       http.StatusBadRequest,
	errors.CodeConflict:         http.StatusConflict,
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError sends an error response
func RespondWithError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	message := "internal server error"
	code := errors.CodeInternal

	var appErr *errors.AppError
	if goerrors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
		if s, ok := statusByCode[appErr.Code]; ok {
			statusCode = s
		}
	}

	c.JSON(statusCode, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
