package fakeapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	Email            string `json:"email"`
	RequiresPassword bool   `json:"requires_password"`
}

func (server *Server) mountAuthRoutes(router gin.IRouter) {
	auth := router.Group("/auth")
	auth.POST("/signup", server.handleSignUp)
	auth.POST("/token", server.handleToken)
	auth.POST("/refresh", server.handleRefresh)

	protected := auth.Group("", server.requireBearer())
	protected.GET("/me", server.handleProfile)
	protected.PUT("/me/update", server.handleUpdate)
	protected.POST("/logout", server.handleLogout)
}

func (server *Server) handleSignUp(contextGin *gin.Context) {
	var inbound struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "body", "invalid json"))
		return
	}
	switch {
	case strings.TrimSpace(inbound.Name) == "":
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "name", "field required"))
		return
	case !strings.Contains(inbound.Email, "@"):
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "email", "value is not a valid email address"))
		return
	case inbound.Password == "":
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "password", "field required"))
		return
	}
	if err := server.users.Register(inbound.Name, inbound.Email, inbound.Password); err != nil {
		if errors.Is(err, ErrUserExists) {
			contextGin.AbortWithStatusJSON(http.StatusConflict, detail("Email already exists"))
			return
		}
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, detail("Failed to create user"))
		return
	}
	contextGin.JSON(http.StatusCreated, gin.H{"message": "User created successfully"})
}

func (server *Server) handleToken(contextGin *gin.Context) {
	username := contextGin.PostForm("username")
	password := contextGin.PostForm("password")
	loginType := contextGin.DefaultPostForm("login_type", loginNormal)
	if strings.TrimSpace(username) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "username", "field required"))
		return
	}

	var account Account
	switch loginType {
	case loginNormal:
		authenticated, err := server.users.Authenticate(username, password)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail(passwordLoginMessage(err)))
			return
		}
		account = authenticated
	case loginGoogle, "federated":
		idToken := contextGin.PostForm("token")
		if strings.TrimSpace(idToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("Google token is required for Google login."))
			return
		}
		if server.federated == nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail("Invalid Google token."))
			return
		}
		identity, err := server.federated.Verify(contextGin.Request.Context(), idToken)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail("Invalid Google token."))
			return
		}
		if strings.TrimSpace(identity.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail("Google token is missing email information."))
			return
		}
		account = server.users.UpsertFederated(identity)
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("Invalid login type."))
		return
	}

	response, err := server.issuePair(account, "")
	if err != nil {
		server.logger.Error("token issuance failed",
			zap.String("code", "fakeapi.token.issue_failed"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, detail("Failed to issue token"))
		return
	}
	contextGin.JSON(http.StatusOK, response)
}

func passwordLoginMessage(err error) string {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return "User not found. Please sign up to access our services."
	case errors.Is(err, ErrPasswordNotSet):
		return "This account uses Google login. Please sign in with Google or set a password in Account Settings."
	default:
		return "Incorrect password."
	}
}

func (server *Server) issuePair(account Account, previousTokenID string) (tokenResponse, error) {
	accessToken, _, err := MintAccessToken(server.clock, account.Email, account.Name, server.issuer, server.signingKey, server.accessTTL)
	if err != nil {
		return tokenResponse{}, err
	}
	_, refreshToken, err := server.refreshTokens.Issue(normalizeEmail(account.Email), server.refreshTTL, previousTokenID)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "bearer",
		Email:            account.Email,
		RequiresPassword: !account.hasPassword(),
	}, nil
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "refresh_token", "field required"))
		return
	}
	email, currentTokenID, err := server.refreshTokens.Validate(inbound.RefreshToken)
	if err != nil {
		server.logger.Debug("refresh token rejected",
			zap.String("code", "fakeapi.refresh.invalid"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail("Invalid refresh token"))
		return
	}
	account, err := server.users.Lookup(email)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail("User not found"))
		return
	}
	response, err := server.issuePair(account, currentTokenID)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, detail("Failed to issue token"))
		return
	}
	if err := server.refreshTokens.Revoke(currentTokenID); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, detail("Failed to rotate token"))
		return
	}
	contextGin.JSON(http.StatusOK, response)
}

func (server *Server) handleProfile(contextGin *gin.Context) {
	account, err := server.users.Lookup(claimsFrom(contextGin).Subject)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, detail("User not found"))
		return
	}
	profile := gin.H{
		"email":      account.Email,
		"name":       account.Name,
		"login_type": account.LoginType,
		"first_name": account.FirstName,
	}
	if account.LoginType == loginNormal {
		profile["family_name"] = account.FamilyName
	} else {
		profile["last_name"] = account.FamilyName
	}
	contextGin.JSON(http.StatusOK, profile)
}

func (server *Server) handleUpdate(contextGin *gin.Context) {
	var inbound struct {
		Name            string `json:"name"`
		Password        string `json:"password"`
		CurrentPassword string `json:"current_password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "body", "invalid json"))
		return
	}
	err := server.users.Update(claimsFrom(contextGin).Subject, strings.TrimSpace(inbound.Name), inbound.Password, inbound.CurrentPassword)
	switch {
	case err == nil:
		contextGin.JSON(http.StatusOK, gin.H{"message": "User information updated successfully"})
	case errors.Is(err, ErrUserNotFound):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, detail("User not found"))
	case errors.Is(err, ErrCurrentPasswordNeeded):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("Current password is required to change password."))
	case errors.Is(err, ErrIncorrectPassword):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("Current password is incorrect."))
	default:
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, detail("Failed to update user"))
	}
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if contextGin.Request.ContentLength > 0 {
		_ = contextGin.ShouldBindJSON(&inbound)
	}
	if strings.TrimSpace(inbound.RefreshToken) != "" {
		if _, tokenID, err := server.refreshTokens.Validate(inbound.RefreshToken); err == nil {
			_ = server.refreshTokens.Revoke(tokenID)
		}
	}
	revoked := server.refreshTokens.RevokeAll(normalizeEmail(claimsFrom(contextGin).Subject))
	server.logger.Debug("session invalidated",
		zap.String("code", "fakeapi.logout"),
		zap.Int("revoked", revoked))
	contextGin.JSON(http.StatusOK, gin.H{"message": "Successfully logged out"})
}
