package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// logout — POST /logout: jti текущего токена попадает в blocklist.
func (h *handlers) logout(c *gin.Context) {
	claims := claimsFrom(c)
	if err := h.auth.Revoke(c.Request.Context(), claims); err != nil {
		_ = c.Error(err)
		if statusFor(err) == http.StatusUnauthorized {
			errorReply(err).write(c)
			return
		}
		h.logger.WithError(err).WithField("user_id", claims.Subject).Error("failed to revoke token")
		messageReply(http.StatusServiceUnavailable, msgInternal).write(c)
		return
	}
	jsonReply(http.StatusOK, messageResponse{Message: "Successfully logged out"}).write(c)
}
