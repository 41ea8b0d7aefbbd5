package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/code-craka/upi-payment-app-sub000/auth"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/degrade"
)

const defaultAuditLimit = 50

func initiator(c *gin.Context) string {
	if v := c.GetHeader("X-Initiated-By"); v != "" {
		return v
	}
	return "api"
}

type roleResponse struct {
	*auth.Resolution
	Trusted bool `json:"trusted"`
}

// GetRole resolves through the fallback chain under the degradation engine,
// so a total chain failure can still be served from the last good answer.
func (rc *RcService) GetRole(c *gin.Context) {
	userId := c.Param("userId")

	v, err := rc.engine.Execute(c.Request.Context(), degrade.Options{
		Config:      degrade.OperationConfig{Name: "resolve_role:" + userId},
		CacheResult: true,
		CacheTTL:    time.Minute,
	}, func(ctx context.Context) (interface{}, error) {
		return rc.chain.ResolveRole(ctx, userId)
	})
	if err != nil {
		switch {
		case errors.Is(err, define.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "user not found"})
		case errors.Is(err, define.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
		}
		return
	}

	res := v.(*auth.Resolution)
	c.JSON(http.StatusOK, roleResponse{
		Resolution: res,
		Trusted:    rc.chain.ShouldTrustForSensitiveOperations(res),
	})
}

// UpdateRole runs one dual-write role change. Expected transient outcomes
// come back with retryable status codes and the structured result attached.
func (rc *RcService) UpdateRole(c *gin.Context) {
	req := define.RoleUpdateRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	req.UserId = c.Param("userId")

	res, err := rc.writer.ExecuteRoleUpdate(c.Request.Context(), &req, initiator(c))
	if err != nil {
		var rb *define.RollbackFailedError
		switch {
		case errors.Is(err, define.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		case errors.As(err, &rb):
			c.JSON(http.StatusInternalServerError, gin.H{
				"code": "INCONSISTENT", "message": err.Error(), "result": res})
		case define.Retryable(err):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code": "UNAVAILABLE", "message": err.Error(), "result": res})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"code": "INTERNAL", "message": err.Error(), "result": res})
		}
		return
	}

	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Conflict != nil:
		c.JSON(http.StatusConflict, res)
	default:
		// structured transient failure, typically an open circuit
		c.JSON(http.StatusServiceUnavailable, res)
	}
}

func (rc *RcService) BatchUpdate(c *gin.Context) {
	req := define.BatchRoleUpdateRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	res, err := rc.writer.ExecuteBatchRoleUpdate(c.Request.Context(), &req, initiator(c))
	if err != nil {
		if errors.Is(err, define.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	if res.Aborted {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func auditLimit(c *gin.Context) int64 {
	v := c.Query("limit")
	if v == "" {
		return defaultAuditLimit
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return defaultAuditLimit
	}
	return n
}

func (rc *RcService) UserAudit(c *gin.Context) {
	entries, err := rc.writer.GetAuditLog(c.Request.Context(), c.Param("userId"), auditLimit(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (rc *RcService) Audit(c *gin.Context) {
	entries, err := rc.writer.GetAuditLog(c.Request.Context(), "", auditLimit(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (rc *RcService) OperationStatus(c *gin.Context) {
	txn, err := rc.writer.GetOperationStatus(c.Request.Context(), c.Param("operationId"))
	if err != nil {
		if errors.Is(err, define.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "operation not found or expired"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (rc *RcService) RoleMetrics(c *gin.Context) {
	m, err := rc.writer.GetMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (rc *RcService) BreakerList(c *gin.Context) {
	out := make([]*define.BreakerMetrics, 0, 3)
	for _, service := range []string{define.ServiceClerk, define.ServiceRedis, define.ServiceDatabase} {
		m, err := rc.breakers.Get(service).GetMetrics(c.Request.Context())
		if err != nil {
			m = &define.BreakerMetrics{Service: service, State: define.BreakerClosed}
		}
		out = append(out, m)
	}
	c.JSON(http.StatusOK, gin.H{"breakers": out})
}

// BreakerOp handles the operator overrides: reset, force open, force close.
func (rc *RcService) BreakerOp(c *gin.Context) {
	service := c.Param("service")
	switch service {
	case define.ServiceClerk, define.ServiceRedis, define.ServiceDatabase:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "unknown service"})
		return
	}

	b := rc.breakers.Get(service)
	var err error
	switch {
	case strings.HasSuffix(c.FullPath(), "/reset"):
		err = b.Reset(c.Request.Context())
	case strings.HasSuffix(c.FullPath(), "/open"):
		err = b.ForceOpen(c.Request.Context())
	case strings.HasSuffix(c.FullPath(), "/close"):
		err = b.ForceClose(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
