package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcapay/recoup/api/apierr"
	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/exports"
	"gitlab.com/arcapay/recoup/ingest"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/queue"
	"gitlab.com/arcapay/recoup/reconcile"
	"gitlab.com/arcapay/recoup/validation"
	"gitlab.com/arcapay/recoup/vop"
)

func (r *RestServer) registerUploadRoutes() {
	r.Router.POST("/uploads", r.createUpload())
	r.Router.GET("/uploads/:id", r.getUpload())
	r.Router.GET("/uploads/:id/debtors", r.getUploadDebtors())
	r.Router.POST("/uploads/:id/phases/:phase", r.triggerPhase())
	r.Router.POST("/uploads/:id/phases/:phase/reset", r.resetPhase())
	r.Router.POST("/uploads/:id/exports/skipped", r.exportSkipped())
	r.Router.POST("/uploads/:id/exports/clean", r.exportClean())
	r.Router.GET("/exports/progress/:key", r.exportProgress())
}

func (r *RestServer) createUpload() gin.HandlerFunc {
	type request struct {
		Filename     string `json:"filename" binding:"required"`
		StoredPath   string `json:"storedPath" binding:"required"`
		FileSize     int64  `json:"fileSize"`
		BillingModel string `json:"billingModel"`
		UploaderID   *int   `json:"uploaderId"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		model := profiles.BillingModel(req.BillingModel)
		if req.BillingModel == "" {
			model = profiles.ModelLegacy
		}
		if !model.Valid() {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidBillingModel)
			return
		}

		upload, err := uploads.Insert(r.db, uploads.Upload{
			OriginalFilename: req.Filename,
			StoredPath:       req.StoredPath,
			FileSize:         req.FileSize,
			UploaderID:       req.UploaderID,
			BillingModel:     model,
		})
		if err != nil {
			_ = c.Error(err).SetMeta("uploads.insert")
			return
		}

		job := &ingest.ProcessJob{Ing: r.ing, UploadID: upload.ID}
		if err := r.broker.Enqueue(queue.QueueHigh, job); err != nil {
			_ = c.Error(err).SetMeta("ingest.enqueue")
			return
		}
		c.JSON(http.StatusCreated, upload)
	}
}

func (r *RestServer) getUpload() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		upload, err := uploads.GetByID(r.db, id)
		if err == uploads.ErrNotFound {
			apierr.Public(c, http.StatusNotFound, apierr.ErrUploadNotFound)
			return
		}
		if err != nil {
			_ = c.Error(err).SetMeta("uploads.getbyid")
			return
		}
		c.JSON(http.StatusOK, upload)
	}
}

func (r *RestServer) getUploadDebtors() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		found, err := debtors.GetByUploadID(r.db, id)
		if err != nil {
			_ = c.Error(err).SetMeta("debtors.getbyupload")
			return
		}
		c.JSON(http.StatusOK, found)
	}
}

// triggerPhase starts a processing phase for an upload. The jobs themselves
// refuse to run twice, so triggering is idempotent.
func (r *RestServer) triggerPhase() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		if _, err := uploads.GetByID(r.db, id); err == uploads.ErrNotFound {
			apierr.Public(c, http.StatusNotFound, apierr.ErrUploadNotFound)
			return
		} else if err != nil {
			_ = c.Error(err).SetMeta("uploads.getbyid")
			return
		}

		var job queue.Job
		var queueName string
		switch uploads.Phase(c.Param("phase")) {
		case uploads.PhaseValidation:
			job = &validation.UploadJob{DB: r.db, KV: r.kv, UploadID: id}
			queueName = queue.QueueDefault
		case uploads.PhaseVop:
			job = &vop.UploadJob{
				DB: r.db, KV: r.kv, Registry: r.vopReg, Bav: r.bav,
				Conf: r.orch.Conf, UploadID: id,
			}
			queueName = queue.QueueVop
		case uploads.PhaseBilling:
			job = &billing.UploadJob{Orch: r.orch, UploadID: id}
			queueName = queue.QueueBilling
		case uploads.PhaseReconciliation:
			job = &reconcile.DispatchJob{Rec: r.rec}
			queueName = queue.QueueReconciliation
		default:
			apierr.Public(c, http.StatusBadRequest, apierr.ErrUnknownPhase)
			return
		}

		if err := r.broker.Enqueue(queueName, job); err == queue.ErrDuplicate {
			apierr.Public(c, http.StatusConflict, apierr.ErrPhaseAlreadyRunning)
			return
		} else if err != nil {
			_ = c.Error(err).SetMeta("phase.enqueue")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"uploadId": id, "phase": c.Param("phase")})
	}
}

func (r *RestServer) resetPhase() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		phase := uploads.Phase(c.Param("phase"))
		if err := uploads.ResetPhase(r.db, id, phase); err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrUnknownPhase)
			return
		}
		c.JSON(http.StatusOK, gin.H{"uploadId": id, "phase": phase})
	}
}

func (r *RestServer) exportSkipped() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		job := &exports.SkippedReportJob{
			DB: r.db, KV: r.kv, UploadID: id, OutDir: r.conf.ExportDir,
		}
		if err := r.broker.Enqueue(queue.QueueExports, job); err == queue.ErrDuplicate {
			apierr.Public(c, http.StatusConflict, apierr.ErrJobAlreadyQueued)
			return
		} else if err != nil {
			_ = c.Error(err).SetMeta("exports.enqueue")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"uploadId": id})
	}
}

func (r *RestServer) exportClean() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		jobID := uuid.NewV4().String()
		job := &exports.CleanDebtorsJob{
			DB: r.db, KV: r.kv, UploadID: id, JobID: jobID, OutDir: r.conf.ExportDir,
		}
		if err := r.broker.Enqueue(queue.QueueExports, job); err != nil {
			_ = c.Error(err).SetMeta("exports.enqueue")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"uploadId": id, "jobId": jobID})
	}
}

func (r *RestServer) exportProgress() gin.HandlerFunc {
	return func(c *gin.Context) {
		var progress exports.Progress
		found, err := r.kv.GetProgress(c.Request.Context(), c.Param("key"), &progress)
		if err != nil {
			_ = c.Error(err).SetMeta("exports.progress")
			return
		}
		if !found {
			c.JSON(http.StatusOK, gin.H{"done": false})
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

// paramInt reads an integer path parameter, failing the request on garbage.
func paramInt(c *gin.Context, name string) (int, bool) {
	value, err := strconv.Atoi(c.Param(name))
	if err != nil {
		apierr.Public(c, http.StatusNotFound, apierr.ErrUploadNotFound)
		return 0, false
	}
	return value, true
}
