package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/quartz-pds/internal/account"
	"github.com/primal-host/quartz-pds/internal/events"
	"github.com/primal-host/quartz-pds/internal/repo"
)

// resolveRepo resolves a "repo" parameter (handle or DID) to an
// Account.
func (s *Server) resolveRepo(c echo.Context, repoID string) (*account.Account, error) {
	ctx := c.Request().Context()

	ident, err := syntax.ParseAtIdentifier(repoID)
	if err != nil {
		return nil, account.ErrNotFound
	}
	if ident.IsDID() {
		return s.accounts.GetByDID(ctx, repoID)
	}
	return s.accounts.GetByHandle(ctx, repoID)
}

// repoNotFound returns a standard error response for missing repos.
func repoNotFound(c echo.Context, repoID string) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error":   "RepoNotFound",
		"message": "Repository not found: " + repoID,
	})
}

// validateRecordPath checks the collection NSID and, when non-empty,
// the record key. Returns a client error response or nil.
func validateRecordPath(c echo.Context, collection, rkey string) error {
	if _, err := syntax.ParseNSID(collection); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "collection must be a valid NSID: " + collection,
		})
	}
	if rkey != "" {
		if _, err := syntax.ParseRecordKey(rkey); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "invalid record key: " + rkey,
			})
		}
	}
	return nil
}

// --- createRecord ---

type createRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
}

func (s *Server) handleCreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Repo == "" || req.Collection == "" || req.Record == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, and record are required",
		})
	}
	if err := validateRecordPath(c, req.Collection, req.RKey); err != nil {
		return err
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		log.Printf("Error resolving repo %q: %v", req.Repo, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	signingKey, err := s.accounts.SigningKey(c.Request().Context(), acct.DID)
	if err != nil {
		log.Printf("Error loading signing key for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to load signing key",
		})
	}

	ctx := c.Request().Context()
	var uri string
	var result *repo.CommitResult

	if req.RKey != "" {
		uri, result, err = s.repos.PutRecord(ctx, acct.DID, signingKey, req.Collection, req.RKey, req.Record)
	} else {
		uri, result, err = s.repos.CreateRecord(ctx, acct.DID, signingKey, req.Collection, req.Record)
	}
	if err != nil {
		log.Printf("Error creating record for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create record",
		})
	}

	s.emitCommitEvent(ctx, acct.DID, result)

	recordCID := ""
	if len(result.Ops) > 0 && result.Ops[0].CID != nil {
		recordCID = result.Ops[0].CID.String()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uri": uri,
		"cid": recordCID,
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

// --- getRecord ---

func (s *Server) handleGetRecord(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")

	if repoID == "" || collection == "" || rkey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, and rkey query parameters are required",
		})
	}
	if err := validateRecordPath(c, collection, rkey); err != nil {
		return err
	}

	acct, err := s.resolveRepo(c, repoID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, repoID)
		}
		log.Printf("Error resolving repo %q: %v", repoID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	cidStr, record, err := s.repos.GetRecord(c.Request().Context(), acct.DID, collection, rkey)
	if err != nil {
		if errors.Is(err, repo.ErrRecordNotFound) || errors.Is(err, repo.ErrRepoNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "RecordNotFound",
				"message": "Record not found",
			})
		}
		log.Printf("Error getting record %s/%s for %s: %v", collection, rkey, acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get record",
		})
	}

	uri := "at://" + acct.DID + "/" + collection + "/" + rkey
	return c.JSON(http.StatusOK, map[string]any{
		"uri":   uri,
		"cid":   cidStr,
		"value": record,
	})
}

// --- deleteRecord ---

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Repo == "" || req.Collection == "" || req.RKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, and rkey are required",
		})
	}
	if err := validateRecordPath(c, req.Collection, req.RKey); err != nil {
		return err
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		log.Printf("Error resolving repo %q: %v", req.Repo, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	signingKey, err := s.accounts.SigningKey(c.Request().Context(), acct.DID)
	if err != nil {
		log.Printf("Error loading signing key for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to load signing key",
		})
	}

	result, err := s.repos.DeleteRecord(c.Request().Context(), acct.DID, signingKey, req.Collection, req.RKey)
	if err != nil {
		if errors.Is(err, repo.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "RecordNotFound",
				"message": "Record not found",
			})
		}
		log.Printf("Error deleting record %s/%s for %s: %v", req.Collection, req.RKey, acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to delete record",
		})
	}

	s.emitCommitEvent(c.Request().Context(), acct.DID, result)

	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

// --- putRecord ---

type putRecordRequest struct {
	Repo       string         `json:"repo"`
	Collection string         `json:"collection"`
	RKey       string         `json:"rkey"`
	Record     map[string]any `json:"record"`
}

func (s *Server) handlePutRecord(c echo.Context) error {
	var req putRecordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	if req.Repo == "" || req.Collection == "" || req.RKey == "" || req.Record == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo, collection, rkey, and record are required",
		})
	}
	if err := validateRecordPath(c, req.Collection, req.RKey); err != nil {
		return err
	}

	acct, err := s.resolveRepo(c, req.Repo)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, req.Repo)
		}
		log.Printf("Error resolving repo %q: %v", req.Repo, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	signingKey, err := s.accounts.SigningKey(c.Request().Context(), acct.DID)
	if err != nil {
		log.Printf("Error loading signing key for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to load signing key",
		})
	}

	uri, result, err := s.repos.PutRecord(c.Request().Context(), acct.DID, signingKey, req.Collection, req.RKey, req.Record)
	if err != nil {
		log.Printf("Error putting record %s/%s for %s: %v", req.Collection, req.RKey, acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to put record",
		})
	}

	s.emitCommitEvent(c.Request().Context(), acct.DID, result)

	recordCID := ""
	if len(result.Ops) > 0 && result.Ops[0].CID != nil {
		recordCID = result.Ops[0].CID.String()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uri": uri,
		"cid": recordCID,
		"commit": map[string]string{
			"cid": result.CommitCID.String(),
			"rev": result.Rev,
		},
	})
}

// --- listRecords ---

func (s *Server) handleListRecords(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")

	if repoID == "" || collection == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo and collection query parameters are required",
		})
	}
	if err := validateRecordPath(c, collection, ""); err != nil {
		return err
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cursor := c.QueryParam("cursor")
	reverse := c.QueryParam("reverse") == "true"

	acct, err := s.resolveRepo(c, repoID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, repoID)
		}
		log.Printf("Error resolving repo %q: %v", repoID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	records, nextCursor, err := s.repos.ListRecords(c.Request().Context(), acct.DID, collection, limit, cursor, reverse)
	if err != nil {
		log.Printf("Error listing records for %s/%s: %v", acct.DID, collection, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list records",
		})
	}

	resp := map[string]any{
		"records": records,
	}
	if nextCursor != "" {
		resp["cursor"] = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}

// --- describeRepo ---

func (s *Server) handleDescribeRepo(c echo.Context) error {
	repoID := c.QueryParam("repo")
	if repoID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "repo query parameter is required",
		})
	}

	acct, err := s.resolveRepo(c, repoID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return repoNotFound(c, repoID)
		}
		log.Printf("Error resolving repo %q: %v", repoID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve repo",
		})
	}

	collections, err := s.repos.DescribeRepo(c.Request().Context(), acct.DID)
	if err != nil {
		log.Printf("Error describing repo for %s: %v", acct.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to describe repo",
		})
	}

	didDoc := map[string]any{}
	signingKey, err := s.accounts.SigningKey(c.Request().Context(), acct.DID)
	if err == nil {
		doc, err := account.BuildDIDDocument(acct.DID, acct.Handle, signingKey, s.cfg.ServiceEndpoint())
		if err == nil {
			didDoc = map[string]any{
				"@context":           doc.Context,
				"id":                 doc.ID,
				"alsoKnownAs":        doc.AlsoKnownAs,
				"verificationMethod": doc.VerificationMethod,
				"service":            doc.Service,
			}
		} else {
			log.Printf("Warning: failed to build DID doc for %s: %v", acct.DID, err)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"handle":          acct.Handle,
		"did":             acct.DID,
		"didDoc":          didDoc,
		"collections":     collections,
		"handleIsCorrect": true,
	})
}

// emitCommitEvent converts a CommitResult to a CommitInfo and emits it
// through the hub. Errors are logged but not returned; event emission
// must not break the mutation path.
func (s *Server) emitCommitEvent(ctx context.Context, did string, result *repo.CommitResult) {
	if s.hub == nil || result == nil {
		return
	}

	info := &events.CommitInfo{
		DID:     did,
		Rev:     result.Rev,
		Commit:  result.CommitCID,
		DiffCAR: result.DiffCAR,
		Time:    time.Now(),
	}

	if _, err := s.hub.Emit(ctx, info); err != nil {
		log.Printf("Warning: emit event for %s: %v", did, err)
	}
}
