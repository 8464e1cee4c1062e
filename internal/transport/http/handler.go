package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/parishledger/envelope-service/internal/repo"
	"github.com/parishledger/envelope-service/internal/service"
)

// Validation bounds on envelope numbers, matching the physical numbering
// scheme (1-9999).
const (
	minEnvelopeNumber = 1
	maxEnvelopeNumber = 9999
)

func RegisterHandlers(r *gin.Engine, svc *service.EnvelopeService) {
	v1 := r.Group("/v1", TenantMiddleware())
	{
		v1.POST("/envelopes", createBlockHandler(svc))
		v1.DELETE("/envelopes", deleteBlockHandler(svc))
		v1.GET("/envelopes/available", availableHandler(svc))
		v1.GET("/envelopes/number/:number", byNumberHandler(svc))
		v1.GET("/envelopes/:id", byIDHandler(svc))
		v1.GET("/envelopes/:id/history", historyHandler(svc))
		v1.POST("/envelopes/:id/assign", assignHandler(svc))
		v1.POST("/envelopes/:id/release", releaseHandler(svc))
	}
}

type blockReq struct {
	StartNumber int `json:"start_number" binding:"required"`
	EndNumber   int `json:"end_number" binding:"required"`
}

func (b blockReq) validate() string {
	if b.StartNumber < minEnvelopeNumber {
		return "start_number must be greater than zero"
	}
	if b.EndNumber > maxEnvelopeNumber {
		return "end_number must be less than 10000"
	}
	if b.StartNumber > b.EndNumber {
		return service.ErrRangeInvalid.Error()
	}
	return ""
}

func createBlockHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req blockReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if msg := req.validate(); msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		count, err := svc.CreateBlock(c, c.GetString(churchIDKey), req.StartNumber, req.EndNumber)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"count":        count,
			"start_number": req.StartNumber,
			"end_number":   req.EndNumber,
		})
	}
}

func deleteBlockHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req blockReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if msg := req.validate(); msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		churchID := c.GetString(churchIDKey)

		// Numbers that ever appeared in the ledger stay registered so the
		// audit trail keeps its envelope rows.
		used, err := svc.HasAnyAssignmentHistory(c, churchID, req.StartNumber, req.EndNumber)
		if err != nil {
			respondError(c, err)
			return
		}
		if used {
			c.JSON(http.StatusConflict, gin.H{"error": service.ErrHistoryBlock.Error()})
			return
		}

		count, err := svc.DeleteBlock(c, churchID, req.StartNumber, req.EndNumber)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"count":        count,
			"start_number": req.StartNumber,
			"end_number":   req.EndNumber,
		})
	}
}

func availableHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		envs, err := svc.FindAvailable(c, c.GetString(churchIDKey), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, envs)
	}
}

func byNumberHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		number, err := strconv.Atoi(c.Param("number"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "envelope number must be a valid integer"})
			return
		}
		env, err := svc.FindByNumber(c, c.GetString(churchIDKey), number)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, env)
	}
}

func byIDHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, err := svc.FindByID(c, c.Param("id"))
		if err != nil || env.ChurchID != c.GetString(churchIDKey) {
			respondError(c, firstErr(err, service.ErrNotFound))
			return
		}
		c.JSON(http.StatusOK, env)
	}
}

func historyHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, err := svc.FindByID(c, c.Param("id"))
		if err != nil || env.ChurchID != c.GetString(churchIDKey) {
			respondError(c, firstErr(err, service.ErrNotFound))
			return
		}
		entries, err := svc.GetAssignmentHistory(c, env.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type assignReq struct {
	MemberID string `json:"member_id" binding:"required"`
}

func assignHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		churchID := c.GetString(churchIDKey)

		env, err := svc.FindByID(c, c.Param("id"))
		if err != nil || env.ChurchID != churchID {
			respondError(c, firstErr(err, service.ErrNotFound))
			return
		}
		if env.Assigned() {
			c.JSON(http.StatusConflict, gin.H{"error": repo.ErrAlreadyAssigned.Error()})
			return
		}
		member, err := svc.FindMember(c, req.MemberID)
		if err != nil || member.ChurchID != churchID {
			respondError(c, firstErr(err, service.ErrMemberNotFound))
			return
		}

		// The service re-checks everything on locked rows; these reads only
		// pick the right status code for the common failures.
		updated, err := svc.AssignToMember(c, env.ID, member.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func releaseHandler(svc *service.EnvelopeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, err := svc.FindByID(c, c.Param("id"))
		if err != nil || env.ChurchID != c.GetString(churchIDKey) {
			respondError(c, firstErr(err, service.ErrNotFound))
			return
		}
		if !env.Assigned() {
			c.JSON(http.StatusConflict, gin.H{"error": service.ErrNotAssigned.Error()})
			return
		}
		updated, err := svc.ReleaseFromMember(c, env.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

func firstErr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrRangeInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrMemberNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRangeConflict),
		errors.Is(err, service.ErrMemberAlreadyHolds),
		errors.Is(err, service.ErrNotAssigned),
		errors.Is(err, service.ErrHistoryBlock),
		errors.Is(err, repo.ErrAlreadyAssigned):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
