package webhook

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func entryIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return 0, false
	}
	return id, true
}

func listWindow(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) listEntries(c *gin.Context) {
	contestID := c.Query("contest_id")
	if contestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contest_id is required"})
		return
	}
	status := c.DefaultQuery("status", model.EntryStatusUnderReview)
	limit, offset := listWindow(c)

	entries, err := s.store.ListEntriesByStatus(c.Request.Context(), contestID, status, limit, offset)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) approveEntry(c *gin.Context) {
	id, ok := entryIDParam(c)
	if !ok {
		return
	}
	if err := s.store.SetEntryStatus(c.Request.Context(), id, model.EntryStatusApproved, ""); err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": model.EntryStatusApproved})
}

type rejectEntryRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) rejectEntry(c *gin.Context) {
	id, ok := entryIDParam(c)
	if !ok {
		return
	}
	var req rejectEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := s.store.SetEntryStatus(c.Request.Context(), id, model.EntryStatusRejected, req.Reason); err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": model.EntryStatusRejected})
}

// reopenEntry puts a settled entry back under review and clears any
// exhausted-job markers so the pipeline sweeper may pick it up again.
func (s *Server) reopenEntry(c *gin.Context) {
	id, ok := entryIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.store.ReopenEntry(ctx, id); err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err := s.store.ResolveExhaustedJobs(ctx, id); err != nil {
		logger.FromContext(ctx).Error("Failed to resolve exhausted jobs on reopen",
			zap.Int64("entry_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"status": model.EntryStatusUnderReview})
}

func (s *Server) listExhaustedJobs(c *gin.Context) {
	limit, _ := listWindow(c)
	jobs, err := s.store.ListUnresolvedExhaustedJobs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) listMessages(c *gin.Context) {
	customerID := c.Param("id")
	limit, offset := listWindow(c)
	logs, err := s.store.ListMessageLogs(c.Request.Context(), customerID, limit, offset)
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": logs})
}

type contestStepRequest struct {
	StepName         string   `json:"step_name" binding:"required"`
	StepKind         string   `json:"step_kind" binding:"required,oneof=message pdpa details receipt"`
	Keywords         []string `json:"keywords"`
	AutoReplyMessage string   `json:"auto_reply_message"`
	AutoReplyMedia   string   `json:"auto_reply_media"`
	AutoAdvance      bool     `json:"auto_advance"`
	WaitForResponse  bool     `json:"wait_for_response"`
}

type createContestRequest struct {
	Name                string               `json:"name" binding:"required"`
	Keywords            []string             `json:"keywords" binding:"required,min=1"`
	IntroductionMessage string               `json:"introduction_message"`
	PdpaMessage         string               `json:"pdpa_message"`
	ApprovalTemplate    string               `json:"approval_template"`
	RejectionTemplate   string               `json:"rejection_template"`
	AutoReplyPriority   int                  `json:"auto_reply_priority"`
	MinPurchaseAmount   float64              `json:"min_purchase_amount"`
	RequiredProducts    []string             `json:"required_products"`
	StartsAt            *time.Time           `json:"starts_at"`
	EndsAt              *time.Time           `json:"ends_at"`
	Steps               []contestStepRequest `json:"steps" binding:"required,min=1,dive"`
}

// createContest registers a contest and its scripted steps. New contests
// start in draft; activation is a separate status change.
func (s *Server) createContest(c *gin.Context) {
	var req createContestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contest := &model.Contest{
		ID:                  uuid.NewString(),
		TenantID:            s.cfg.CompanyID,
		Name:                req.Name,
		Status:              model.ContestStatusDraft,
		Keywords:            model.EncodeTokenList(req.Keywords),
		IntroductionMessage: req.IntroductionMessage,
		PdpaMessage:         req.PdpaMessage,
		ApprovalTemplate:    req.ApprovalTemplate,
		RejectionTemplate:   req.RejectionTemplate,
		AutoReplyPriority:   req.AutoReplyPriority,
		MinPurchaseAmount:   req.MinPurchaseAmount,
		RequiredProducts:    model.EncodeTokenList(req.RequiredProducts),
		StartsAt:            req.StartsAt,
		EndsAt:              req.EndsAt,
	}
	steps := make([]model.ConversationStep, 0, len(req.Steps))
	for i, st := range req.Steps {
		steps = append(steps, model.ConversationStep{
			ContestID:        contest.ID,
			StepOrder:        i + 1,
			StepName:         st.StepName,
			StepKind:         st.StepKind,
			Keywords:         model.EncodeTokenList(st.Keywords),
			AutoReplyMessage: st.AutoReplyMessage,
			AutoReplyMedia:   st.AutoReplyMedia,
			AutoAdvance:      st.AutoAdvance,
			WaitForResponse:  st.WaitForResponse,
		})
	}

	if err := s.store.CreateContest(c.Request.Context(), contest, steps); err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contest": contest})
}

type contestStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=draft active paused closed"`
}

func (s *Server) updateContestStatus(c *gin.Context) {
	var req contestStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateContestStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		c.JSON(httpStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}
