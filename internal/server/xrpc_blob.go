package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/quartz-pds/internal/account"
	"github.com/primal-host/quartz-pds/internal/blob"
)

// handleUploadBlob handles media uploads and returns a blob reference.
// POST /xrpc/com.atproto.repo.uploadBlob?did=...
func (s *Server) handleUploadBlob(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did query parameter is required",
		})
	}

	ctx := c.Request().Context()
	if _, err := s.accounts.GetByDID(ctx, did); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, did)
		}
		log.Printf("Error resolving account %q: %v", did, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve account",
		})
	}

	mimeType := c.Request().Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ref, err := s.blobs.Upload(ctx, did, mimeType, c.Request().Body)
	if err != nil {
		log.Printf("Error uploading blob for %s: %v", did, err)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "BlobError",
			"message": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"blob": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": ref.CID},
			"mimeType": ref.MimeType,
			"size":     ref.Size,
		},
	})
}

// handleGetBlob retrieves a blob by DID and CID.
// GET /xrpc/com.atproto.sync.getBlob?did=...&cid=...
func (s *Server) handleGetBlob(c echo.Context) error {
	did := c.QueryParam("did")
	cidStr := c.QueryParam("cid")

	if did == "" || cidStr == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did and cid query parameters are required",
		})
	}

	data, mimeType, err := s.blobs.Get(c.Request().Context(), did, cidStr)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "BlobNotFound",
				"message": "Blob not found",
			})
		}
		log.Printf("Error getting blob %s for %s: %v", cidStr, did, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get blob",
		})
	}

	return c.Blob(http.StatusOK, mimeType, data)
}
