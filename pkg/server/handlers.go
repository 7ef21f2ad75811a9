package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trophysync/internal/linking"
	"trophysync/pkg/model"
	"trophysync/pkg/platform"
	"trophysync/pkg/store"
)

// ErrInvalidInput marks request errors that are the caller's fault
var ErrInvalidInput = errors.New("invalid input")

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type linkRequest struct {
	Identifier string `json:"identifier" binding:"required"`
}

type accountView struct {
	Platform    model.Platform `json:"platform"`
	Identifier  string         `json:"identifier"`
	AccountID   string         `json:"account_id,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LinkedAt    time.Time      `json:"linked_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func viewOf(a model.LinkedAccount) accountView {
	return accountView{
		Platform:    a.Platform,
		Identifier:  a.Identifier,
		AccountID:   a.AccountID,
		DisplayName: a.DisplayName,
		Attributes:  a.Attributes,
		LinkedAt:    a.LinkedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// fail maps domain errors to a status and code
func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, linking.ErrInvalidIdentifier):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, linking.ErrPlatformDisabled):
		status, code = http.StatusBadRequest, "platform_disabled"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_linked"
	case errors.Is(err, platform.ErrAccountNotFound), errors.Is(err, platform.ErrResolutionFailed):
		status, code = http.StatusNotFound, "account_not_found"
	case errors.Is(err, platform.ErrAccountPrivate):
		status, code = http.StatusForbidden, "account_private"
	case errors.Is(err, platform.ErrUpstreamUnavailable),
		errors.Is(err, platform.ErrUnauthorized),
		errors.Is(err, platform.ErrMalformedPayload):
		status, code = http.StatusBadGateway, "upstream_unavailable"
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Code: code})
}

func platformParam(c *gin.Context) (model.Platform, error) {
	p, err := model.ParsePlatform(c.Param("platform"))
	if err != nil {
		return "", errors.Join(ErrInvalidInput, err)
	}
	return p, nil
}

func (s *Server) listAccounts(c *gin.Context) {
	accts, err := s.deps.Linker.Accounts(c.Request.Context(), c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	views := make([]accountView, 0, len(accts))
	for _, a := range accts {
		views = append(views, viewOf(a))
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": c.Param("owner"), "accounts": views})
}

func (s *Server) linkAccount(c *gin.Context) {
	p, err := platformParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.Join(ErrInvalidInput, err))
		return
	}

	acct, err := s.deps.Linker.Link(c.Request.Context(), c.Param("owner"), p, req.Identifier)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(acct))
}

func (s *Server) unlinkAccount(c *gin.Context) {
	p, err := platformParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.deps.Linker.Unlink(c.Request.Context(), c.Param("owner"), p); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) forgetOwner(c *gin.Context) {
	if err := s.deps.Linker.Forget(c.Request.Context(), c.Param("owner")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) triggerSync(c *gin.Context) {
	err := s.deps.Syncer.Trigger("api")
	if err != nil && s.deps.Busy != nil && s.deps.Busy(err) {
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "sync_in_progress"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) syncStatus(c *gin.Context) {
	state, err := s.deps.Syncer.LastSync(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": s.deps.Syncer.Running(), "last_sync": state})
}
