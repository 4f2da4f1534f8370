// Package httpapi exposes the token service over HTTP. All routes live under
// /auth; errors are returned as {"code": ..., "message": ...} JSON bodies.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/restauth/tokend/internal/identity"
	"github.com/restauth/tokend/internal/logging"
	"github.com/restauth/tokend/internal/server/bearer"
	"github.com/restauth/tokend/internal/server/models"
	"github.com/restauth/tokend/internal/server/session"
	"github.com/restauth/tokend/internal/settings"
	"github.com/restauth/tokend/internal/token"
)

const (
	// refreshCookie carries the raw refresh token between the browser and
	// the /auth endpoints. HTTP-only so page scripts never see it.
	refreshCookie = "refresh_token"
	cookiePath    = "/auth"

	identityKey = "tokend.identity"
)

// Handler wires the session manager, the credential verifier, and the bearer
// authenticator into gin routes.
type Handler struct {
	sessions     *session.Manager
	verifier     identity.Verifier
	auth         *bearer.Authenticator
	logger       logging.Logger
	cookieSecure bool
}

// NewHandler constructs a Handler.
func NewHandler(sessions *session.Manager, verifier identity.Verifier, auth *bearer.Authenticator, logger logging.Logger, cookieSecure bool) *Handler {
	return &Handler{
		sessions:     sessions,
		verifier:     verifier,
		auth:         auth,
		logger:       logger.With("component", "httpapi"),
		cookieSecure: cookieSecure,
	}
}

// NewRouter builds a gin engine with all routes registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r)
	return r
}

// Register attaches the /auth routes to the given engine.
func (h *Handler) Register(r *gin.Engine) {
	auth := r.Group("/auth")
	auth.POST("/token", h.issueToken)
	auth.POST("/refresh", h.refreshToken)
	auth.POST("/logout", h.logout)
	auth.GET("/whoami", h.RequireAuth(), h.whoami)
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) issueToken(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	userID, roles, err := h.verifier.VerifyCredentials(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(c, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
			return
		}
		h.logger.Error(c.Request.Context(), "credential verification failed", "error", err)
		writeError(c, http.StatusInternalServerError, "server_error", "could not verify credentials")
		return
	}

	pair, err := h.sessions.Issue(c.Request.Context(), userID, roles, requestMeta(c))
	if err != nil {
		h.writeSessionError(c, err)
		return
	}

	h.writePair(c, pair)
}

func (h *Handler) refreshToken(c *gin.Context) {
	raw := h.presentedRefreshToken(c)
	if raw == "" {
		writeError(c, http.StatusUnauthorized, "invalid_refresh_token", "no refresh token presented")
		return
	}

	pair, err := h.sessions.Rotate(c.Request.Context(), raw, requestMeta(c))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRotationInvalid):
			h.clearCookie(c)
			writeError(c, http.StatusUnauthorized, "invalid_refresh_token", "refresh token invalid or already used")
		case errors.Is(err, session.ErrRotationExpired):
			h.clearCookie(c)
			writeError(c, http.StatusUnauthorized, "expired_refresh_token", "refresh token expired")
		default:
			h.writeSessionError(c, err)
		}
		return
	}

	h.writePair(c, pair)
}

// logout revokes the presented refresh token. It always answers 200 with no
// body detail, so the endpoint cannot be used to probe which tokens exist.
func (h *Handler) logout(c *gin.Context) {
	if raw := h.presentedRefreshToken(c); raw != "" {
		if err := h.sessions.Revoke(c.Request.Context(), raw); err != nil {
			h.logger.Error(c.Request.Context(), "logout revocation failed", "error", err)
		}
	}
	h.clearCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) whoami(c *gin.Context) {
	id := c.MustGet(identityKey).(*bearer.Identity)
	c.JSON(http.StatusOK, gin.H{
		"user_id": id.Subject,
		"roles":   id.Roles,
	})
}

// RequireAuth authenticates the request by its Bearer token and aborts with
// 401 when it cannot. Requests without any Bearer credential are rejected
// the same way; this service has no anonymous authenticated routes.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.auth.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			switch {
			case errors.Is(err, bearer.ErrNoCredential):
				writeError(c, http.StatusUnauthorized, "no_credential", "authorization required")
			case errors.Is(err, token.ErrExpired):
				writeError(c, http.StatusUnauthorized, "expired_token", "access token expired")
			case errors.Is(err, token.ErrMalformed),
				errors.Is(err, token.ErrBadSignature),
				errors.Is(err, token.ErrWrongType):
				writeError(c, http.StatusUnauthorized, "invalid_token", "access token invalid")
			default:
				h.logger.Error(c.Request.Context(), "authentication failed", "error", err)
				writeError(c, http.StatusInternalServerError, "configuration_error", "authentication unavailable")
			}
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// presentedRefreshToken prefers the HTTP-only cookie and falls back to the
// JSON body for non-browser clients.
func (h *Handler) presentedRefreshToken(c *gin.Context) string {
	if raw, err := c.Cookie(refreshCookie); err == nil && raw != "" {
		return raw
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

func (h *Handler) writePair(c *gin.Context, pair *session.TokenPair) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookie, pair.RefreshToken, int(pair.RefreshTTL.Seconds()), cookiePath, "", h.cookieSecure, true)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(pair.AccessTTL.Seconds()),
		RefreshToken: pair.RefreshToken,
	})
}

// writeSessionError maps non-client session failures. Configuration problems
// are reported distinctly so operators see "fix your secret", not a generic
// 500, but the body never echoes configuration details.
func (h *Handler) writeSessionError(c *gin.Context, err error) {
	if errors.Is(err, settings.ErrSecretMissing) || errors.Is(err, settings.ErrSecretWeak) {
		h.logger.Error(c.Request.Context(), "token signing unavailable", "error", err)
		writeError(c, http.StatusInternalServerError, "configuration_error", "token signing is not configured")
		return
	}
	h.logger.Error(c.Request.Context(), "session operation failed", "error", err)
	writeError(c, http.StatusInternalServerError, "server_error", "temporary failure, retry")
}

func (h *Handler) clearCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookie, "", -1, cookiePath, "", h.cookieSecure, true)
}

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"code": code, "message": message})
}
