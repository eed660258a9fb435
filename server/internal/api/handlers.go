package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"postpulse/server/internal/auth"
	"postpulse/server/internal/domain"
	"postpulse/server/internal/model"
	"postpulse/server/internal/post"
)

type createPostRequest struct {
	Content    string   `json:"content"`
	Visibility string   `json:"visibility"`
	Tags       []string `json:"tags"`
	Images     []string `json:"images"`
}

type setInterestRequest struct {
	Interested *bool `json:"interested"`
}

type addCommentRequest struct {
	Text string `json:"text"`
}

// handleFeed GET /posts/feed?page=&limit=
func (s *Server) handleFeed(c *gin.Context) {
	viewer, _ := auth.UserID(c)
	page, err := queryInt(c, "page")
	if err != nil {
		s.writeError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.writeError(c, err)
		return
	}

	result, err := s.svc.Feed.ListFeed(c.Request.Context(), viewer, page, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"posts":      result.Posts,
		"pagination": result.Pagination,
	})
}

// handleCreatePost POST /posts
func (s *Server) handleCreatePost(c *gin.Context) {
	author, _ := auth.UserID(c)
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	p, err := s.svc.Posts.CreatePost(c.Request.Context(), post.NewPost{
		AuthorID:   author,
		Content:    req.Content,
		Visibility: model.Visibility(req.Visibility),
		Tags:       req.Tags,
		Images:     req.Images,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "post": p})
}

// handleGetPost GET /posts/:postID，对 viewer 不可见时返回 404
func (s *Server) handleGetPost(c *gin.Context) {
	viewer, _ := auth.UserID(c)
	postID, ok := s.postID(c)
	if !ok {
		return
	}
	entry, err := s.svc.Feed.Get(c.Request.Context(), viewer, postID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "post": entry})
}

// handleSetInterest PUT /posts/:postID/interest
func (s *Server) handleSetInterest(c *gin.Context) {
	userID, _ := auth.UserID(c)
	postID, ok := s.postID(c)
	if !ok {
		return
	}
	var req setInterestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Interested == nil {
		fail(c, http.StatusBadRequest, "interested is required")
		return
	}

	res, err := s.svc.Interests.SetInterest(c.Request.Context(), postID, userID, *req.Interested)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"interested":    res.Interested,
		"interestCount": res.Count,
	})
}

// handleAddComment POST /posts/:postID/comments
func (s *Server) handleAddComment(c *gin.Context) {
	userID, _ := auth.UserID(c)
	postID, ok := s.postID(c)
	if !ok {
		return
	}
	var req addCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid json")
		return
	}

	cm, err := s.svc.Comments.AddComment(c.Request.Context(), postID, userID, req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "comment": cm})
}

// handleListComments GET /posts/:postID/comments?limit=
func (s *Server) handleListComments(c *gin.Context) {
	viewerID, _ := auth.UserID(c)
	postID, ok := s.postID(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.writeError(c, err)
		return
	}
	comments, err := s.svc.Comments.List(c.Request.Context(), postID, viewerID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "comments": comments})
}

func (s *Server) postID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("postID"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusNotFound, "post not found")
		return 0, false
	}
	return id, true
}

// queryInt 缺省返回 0，由服务层取默认值
func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalid(name, "must be an integer")
	}
	return v, nil
}

// writeError 领域错误到 HTTP 状态码的唯一映射，内部错误不外泄细节
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		fail(c, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		fail(c, http.StatusNotFound, err.Error())
	case domain.IsTransient(err):
		s.log.WithError(err).WithField("request_id", c.GetString(requestIDKey)).Warn("Transient failure")
		fail(c, http.StatusServiceUnavailable, "service temporarily unavailable, please retry")
	default:
		s.log.WithError(err).WithField("request_id", c.GetString(requestIDKey)).Error("Request failed")
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}
