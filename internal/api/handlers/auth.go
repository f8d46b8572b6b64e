package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login issues a bearer token for valid credentials.
func (s *Server) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	token, expiresAt, user, err := s.authn.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		_ = c.Error(err)
		return
	}

	s.svc.Audit().Record(c.Request.Context(), "auth.login", "user", user.ID, user.Username, nil)
	c.JSON(http.StatusOK, gin.H{
		"auth": gin.H{
			"token":      token,
			"expires_at": expiresAt,
			"user": gin.H{
				"id":       user.ID,
				"username": user.Username,
				"roles":    user.Roles,
			},
		},
	})
}
