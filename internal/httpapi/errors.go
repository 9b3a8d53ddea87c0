package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/ostrich/internal/auth"
	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"

	msgInternal       = "Something went wrong. Try again later"
	msgUpstreamFailed = "Upstream service is unavailable. Try again later"
)

type messageResponse struct {
	Message string `json:"message"`
}

// reply — готовый ответ: статус и JSON-тело. Нужен отдельно от gin.Context,
// чтобы ответ можно было сохранить под Idempotency-Key и отдать повторно.
type reply struct {
	status int
	body   []byte
}

func jsonReply(status int, v any) reply {
	body, err := json.Marshal(v)
	if err != nil {
		return messageReply(http.StatusInternalServerError, msgInternal)
	}
	return reply{status: status, body: body}
}

func messageReply(status int, message string) reply {
	body, _ := json.Marshal(messageResponse{Message: message})
	return reply{status: status, body: body}
}

// errorReply переводит ошибку домена в HTTP-ответ. Ответ удалённого сервиса
// отдаётся как есть: исходный статус и тело.
func errorReply(err error) reply {
	if remoteErr, ok := domain.AsRemoteServiceError(err); ok {
		body := remoteErr.Body
		if len(body) == 0 || !json.Valid(body) {
			return messageReply(remoteErr.StatusCode, http.StatusText(remoteErr.StatusCode))
		}
		return reply{status: remoteErr.StatusCode, body: append([]byte(nil), body...)}
	}

	status := statusFor(err)
	switch {
	case status == http.StatusBadGateway:
		return messageReply(status, msgUpstreamFailed)
	case status >= http.StatusInternalServerError:
		return messageReply(status, msgInternal)
	default:
		return messageReply(status, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrEnqueueFailed):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r reply) write(c *gin.Context) {
	c.Data(r.status, contentTypeJSON, r.body)
}

func abortWith(c *gin.Context, r reply) {
	r.write(c)
	c.Abort()
}

func abortWithError(c *gin.Context, err error) {
	abortWith(c, errorReply(err))
}
