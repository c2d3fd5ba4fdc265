package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentum-ai/agentum/pkg/models"
	"github.com/agentum-ai/agentum/pkg/services"
)

// healthTimeout bounds the database probe in the health handler.
const healthTimeout = 2 * time.Second

// handleCreateToken returns a token for the supplied user id, or provisions
// a fresh anonymous user when the body omits one.
func (s *Server) handleCreateToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional

	var (
		user  *models.User
		token string
		err   error
	)
	if req.UserID != "" {
		user, token, err = s.auth.TokenForUser(c.Request.Context(), req.UserID)
	} else {
		user, token, err = s.auth.CreateAnonymousUser(c.Request.Context())
	}
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user_id":      user.ID,
		"access_token": token,
		"token_type":   "bearer",
	})
}

// handleRunSession creates a session and starts its run.
func (s *Server) handleRunSession(c *gin.Context) {
	var req services.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	sess, err := s.sessions.Run(c.Request.Context(), currentUser(c), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// handleResumeSession submits a follow-up task on a finished session.
func (s *Server) handleResumeSession(c *gin.Context) {
	var req services.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	sess, err := s.sessions.Resume(c.Request.Context(), currentUser(c), c.Param("id"), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}

// handleListSessions returns one page of the user's sessions.
func (s *Server) handleListSessions(c *gin.Context) {
	limit := intQuery(c, "limit", 0)
	offset := intQuery(c, "offset", 0)
	list, err := s.sessions.List(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// handleGetSession returns one session record.
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleCancelSession requests cancellation of a running session.
func (s *Server) handleCancelSession(c *gin.Context) {
	sess, err := s.sessions.Cancel(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}

// handleGetResult returns the assembled result of a finished session.
func (s *Server) handleGetResult(c *gin.Context) {
	result, err := s.sessions.Result(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleListEvents returns a page of persisted events.
func (s *Server) handleListEvents(c *gin.Context) {
	after := int64Query(c, "after", 0)
	limit := intQuery(c, "limit", 0)
	rows, err := s.sessions.Events(c.Request.Context(), currentUser(c), c.Param("id"), after, limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"session_id": row.SessionID,
			"sequence":   row.Sequence,
			"type":       row.EventType,
			"data":       json.RawMessage(row.Data),
			"timestamp":  row.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "count": len(out)})
}

// handleDownloadFile serves a workspace file. The documented form names
// the file with ?path=; the wildcard segment is kept as an alias.
func (s *Server) handleDownloadFile(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		rel = c.Param("path")
	}
	rel = filepath.Clean(rel)
	if len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	path, err := s.sessions.WorkspaceFile(c.Request.Context(), currentUser(c), c.Param("id"), rel)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func intQuery(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(name, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func int64Query(c *gin.Context, name string, def int64) int64 {
	v, err := strconv.ParseInt(c.DefaultQuery(name, strconv.FormatInt(def, 10)), 10, 64)
	if err != nil {
		return def
	}
	return v
}
