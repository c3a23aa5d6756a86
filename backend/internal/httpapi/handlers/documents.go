package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revsync"
)

// DocumentHandler serves document snapshots and creation. cache and
// presence may be nil.
type DocumentHandler struct {
	docs     *revsync.Manager
	cache    *cache.DocumentCache
	presence cache.PresenceCache
}

func NewDocumentHandler(docs *revsync.Manager, dc *cache.DocumentCache, presence cache.PresenceCache) *DocumentHandler {
	return &DocumentHandler{docs: docs, cache: dc, presence: presence}
}

func (h *DocumentHandler) Register(g *gin.RouterGroup) {
	g.GET("/documents/:objectID", h.GetDocument)
	g.POST("/documents", h.CreateDocument)
	g.GET("/documents/:objectID/presence", h.GetPresence)
}

type createReq struct {
	ObjectID string         `json:"objectId" binding:"required"`
	Kind     collab.DocKind `json:"kind"`
	// Content is a string for text kinds and a node tree for tree documents.
	Content json.RawMessage `json:"content"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = collab.KindPlainText
	}
	snapshot, err := snapshotFromContent(req.Kind, req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	view, err := h.docs.CreateDocument(c.Request.Context(), req.ObjectID, req.Kind, snapshot)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.cache != nil {
		// drops a cached null marker from an earlier miss
		_ = h.cache.Invalidate(c.Request.Context(), req.ObjectID)
	}
	c.JSON(http.StatusCreated, view)
}

// snapshotFromContent turns request content into a snapshot of kind and
// checks that it loads.
func snapshotFromContent(kind collab.DocKind, content json.RawMessage) ([]byte, error) {
	snapshot, err := rawSnapshot(kind, content)
	if err != nil {
		return nil, err
	}
	if _, err := collab.NewReplica(kind, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func rawSnapshot(kind collab.DocKind, content json.RawMessage) ([]byte, error) {
	if len(content) == 0 || string(content) == "null" {
		return nil, nil
	}
	switch kind {
	case collab.KindPlainText, collab.KindRichText:
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return nil, fmt.Errorf("content must be a string for %s documents", kind)
		}
		if kind == collab.KindPlainText {
			return json.Marshal(s)
		}
		return delta.FromString(s).Bytes()
	default:
		return content, nil
	}
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	objectID := c.Param("objectID")
	ctx := c.Request.Context()

	load := func(ctx context.Context) ([]byte, bool, error) {
		view, err := h.docs.Document(ctx, objectID)
		if errors.Is(err, revsync.ErrDocumentNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		b, err := json.Marshal(view)
		return b, true, err
	}

	var (
		body  []byte
		found bool
		err   error
	)
	if h.cache != nil {
		body, err = h.cache.Get(ctx, objectID, load)
		found = err == nil
		if errors.Is(err, cache.ErrNotFound) {
			err = nil
		}
	} else {
		body, found, err = load(ctx)
	}
	switch {
	case err != nil:
		writeError(c, err)
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": objectID})
	default:
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

func (h *DocumentHandler) GetPresence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusOK, gin.H{"members": []cache.PresenceMember{}})
		return
	}
	members, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), c.Param("objectID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, revsync.ErrDocumentNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, revsync.ErrDocumentExists):
		status, code = http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, collab.ErrUnknownKind),
		errors.Is(err, delta.ErrInvalidOp),
		errors.Is(err, collab.ErrInvalidTree):
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
