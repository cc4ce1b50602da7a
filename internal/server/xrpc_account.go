package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/quartz-pds/internal/account"
	"github.com/primal-host/quartz-pds/internal/identity"
)

// handleDescribeServer returns server metadata including the service
// DID and the handle domain.
// GET /xrpc/com.atproto.server.describeServer
func (s *Server) handleDescribeServer(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"did":                  "did:web:" + s.cfg.Hostname,
		"availableUserDomains": []string{"." + s.cfg.Hostname},
		"inviteCodeRequired":   false,
	})
}

// handleCreateAccount creates a new account with a fresh signing key
// and derived did:plc, initializes its repository, and (when a PLC
// endpoint is configured) registers the DID with the directory.
// POST /xrpc/com.atproto.server.createAccount
func (s *Server) handleCreateAccount(c echo.Context) error {
	var req struct {
		Handle   string `json:"handle"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}
	if _, err := syntax.ParseHandle(req.Handle); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidHandle",
			"message": "Invalid handle: " + req.Handle,
		})
	}

	// With no password supplied, generate one and hand it back once in
	// the response.
	generatedPassword := ""
	if req.Password == "" {
		pw, err := account.GeneratePassword()
		if err != nil {
			log.Printf("Error generating password for %q: %v", req.Handle, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to create account",
			})
		}
		req.Password = pw
		generatedPassword = pw
	}

	ctx := c.Request().Context()
	acct, plcOp, err := s.accounts.Create(ctx, account.CreateParams{
		Handle:   req.Handle,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "HandleTaken",
				"message": "Handle already taken: " + req.Handle,
			})
		}
		log.Printf("Error creating account %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create account",
		})
	}

	signingKey, err := s.accounts.SigningKey(ctx, acct.DID)
	if err != nil {
		log.Printf("Error loading signing key for new account %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Account created but signing key unavailable",
		})
	}

	if err := s.repos.InitRepo(ctx, acct.DID, signingKey); err != nil {
		log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
	}

	// PLC registration is best-effort; the DID is already derived
	// locally and the directory can be retried later.
	if s.cfg.PLCEndpoint != "" {
		go func() {
			regCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := identity.RegisterDID(regCtx, s.cfg.PLCEndpoint, acct.DID, plcOp, signingKey); err != nil {
				log.Printf("Warning: PLC registration for %s: %v", acct.DID, err)
			}
		}()
	}

	log.Printf("Account created: %s (did: %s)", acct.Handle, acct.DID)

	resp := map[string]any{
		"did":    acct.DID,
		"handle": acct.Handle,
	}
	if generatedPassword != "" {
		resp["password"] = generatedPassword
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListAccounts returns all accounts hosted by this PDS.
// GET /xrpc/com.atproto.server.listAccounts
func (s *Server) handleListAccounts(c echo.Context) error {
	accounts, err := s.accounts.List(c.Request().Context())
	if err != nil {
		log.Printf("Error listing accounts: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list accounts",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accounts": accounts,
	})
}

type updateAccountStatusRequest struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
}

// handleUpdateAccountStatus changes an account's status.
// POST /xrpc/com.atproto.server.updateAccountStatus
func (s *Server) handleUpdateAccountStatus(c echo.Context) error {
	var req updateAccountStatusRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	switch req.Status {
	case account.StatusActive, account.StatusSuspended, account.StatusDisabled, account.StatusRemoved:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "status must be one of: active, suspended, disabled, removed",
		})
	}

	acct, err := s.accounts.UpdateStatus(c.Request().Context(), req.Handle, req.Status)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found: " + req.Handle,
			})
		}
		log.Printf("Error updating account status %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update account status",
		})
	}

	log.Printf("Account status updated: %s -> %s", req.Handle, req.Status)
	return c.JSON(http.StatusOK, acct)
}

type deleteAccountRequest struct {
	Handle string `json:"handle"`
}

// handleDeleteAccount permanently deletes an account and its
// repository.
// POST /xrpc/com.atproto.server.deleteAccount
func (s *Server) handleDeleteAccount(c echo.Context) error {
	var req deleteAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	if err := s.accounts.Delete(c.Request().Context(), req.Handle); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found: " + req.Handle,
			})
		}
		log.Printf("Error deleting account %q: %v", req.Handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to delete account",
		})
	}

	log.Printf("Account deleted: %s", req.Handle)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Account deleted: " + req.Handle,
	})
}
