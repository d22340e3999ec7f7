package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/queue"
	"gitlab.com/arcapay/recoup/reconcile"
)

func (r *RestServer) registerOpsRoutes() {
	r.Router.POST("/gateway/refresh", r.startGatewayRefresh())
	r.Router.GET("/gateway/refresh/:id", r.gatewayRefreshProgress())
	r.Router.POST("/billing/recurring", r.dispatchRecurring())
}

// startGatewayRefresh kicks off a bulk status refresh against the gateway
// transaction listing for a date window.
func (r *RestServer) startGatewayRefresh() gin.HandlerFunc {
	type request struct {
		From string `json:"from" binding:"required"`
		To   string `json:"to" binding:"required"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}
		from, err := time.Parse("2006-01-02", req.From)
		if err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}
		to, err := time.Parse("2006-01-02", req.To)
		if err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		jobID := uuid.NewV4().String()
		job := &reconcile.RefreshJob{Rec: r.rec, JobID: jobID, From: from, To: to}
		if err := r.broker.Enqueue(queue.QueueEmpRefresh, job); err != nil {
			_ = c.Error(err).SetMeta("refresh.enqueue")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
	}
}

func (r *RestServer) gatewayRefreshProgress() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("emp_refresh_%s", c.Param("id"))
		var progress reconcile.RefreshProgress
		found, err := r.kv.GetProgress(c.Request.Context(), key, &progress)
		if err != nil {
			_ = c.Error(err).SetMeta("refresh.progress")
			return
		}
		if !found {
			c.JSON(http.StatusOK, gin.H{"done": false})
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

// dispatchRecurring triggers one recurring billing sweep. Normally driven
// by the scheduler; exposed for operators.
func (r *RestServer) dispatchRecurring() gin.HandlerFunc {
	return func(c *gin.Context) {
		job := &billing.RecurringJob{Orch: r.orch}
		if err := r.broker.Enqueue(queue.QueueBilling, job); err == queue.ErrDuplicate {
			c.JSON(http.StatusConflict, gin.H{"status": "already running"})
			return
		} else if err != nil {
			_ = c.Error(err).SetMeta("recurring.enqueue")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "dispatched"})
	}
}
