package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/quartz-pds/internal/account"
)

// handleResolveHandle resolves a handle to a DID.
// GET /xrpc/com.atproto.identity.resolveHandle?handle=...
func (s *Server) handleResolveHandle(c echo.Context) error {
	handle := c.QueryParam("handle")
	if handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle query parameter is required",
		})
	}
	if _, err := syntax.ParseHandle(handle); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid handle: " + handle,
		})
	}

	did, err := s.accounts.ResolveHandle(c.Request().Context(), handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "HandleNotFound",
				"message": "Unable to resolve handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"did": did,
	})
}

// handleDIDJSON serves the DID document for the account whose handle
// matches the Host header.
// GET /.well-known/did.json
func (s *Server) handleDIDJSON(c echo.Context) error {
	host := stripPort(c.Request().Host)
	ctx := c.Request().Context()

	acct, err := s.accounts.GetByHandle(ctx, host)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account found for host: " + host,
			})
		}
		log.Printf("Error resolving account for host %q: %v", host, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve account",
		})
	}

	signingKey, err := s.accounts.SigningKey(ctx, acct.DID)
	if err != nil {
		log.Printf("Error loading signing key for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to build DID document",
		})
	}

	doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, signingKey, s.cfg.ServiceEndpoint())
	if err != nil {
		log.Printf("Error building DID document for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to build DID document",
		})
	}
	return c.JSON(http.StatusOK, doc)
}
