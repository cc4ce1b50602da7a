package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/quartz-pds/internal/account"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)
	s.echo.GET("/.well-known/did.json", s.handleDIDJSON)

	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)

	s.echo.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	s.echo.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)

	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)

	// --- Authenticated endpoints (admin key) ---
	admin := s.echo.Group("", s.adminAuth)
	admin.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	admin.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	admin.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	admin.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)

	admin.POST("/xrpc/com.atproto.server.createAccount", s.handleCreateAccount)
	admin.GET("/xrpc/com.atproto.server.listAccounts", s.handleListAccounts)
	admin.POST("/xrpc/com.atproto.server.updateAccountStatus", s.handleUpdateAccountStatus)
	admin.POST("/xrpc/com.atproto.server.deleteAccount", s.handleDeleteAccount)
}

// handleHealth returns basic server health information.
// Used by AT Protocol tooling and monitoring to verify the PDS is alive.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
	})
}

// handleAtprotoDID resolves a DID for the handle implied by the Host
// header. Handles are subdomains of the configured hostname.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	host := stripPort(c.Request().Host)

	did, err := s.accounts.ResolveHandle(c.Request().Context(), host)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account found for host: " + host,
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.String(http.StatusOK, did)
}

// --- Helpers ---

// stripPort removes the port suffix from a host string.
func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// isDuplicateKey checks whether an error is a PostgreSQL unique
// constraint violation (error code 23505).
func isDuplicateKey(err error) bool {
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")
}
