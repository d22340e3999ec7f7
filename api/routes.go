// Package api is the REST surface of the recovery pipeline: upload intake,
// phase triggers, exports, the blacklist and the gateway webhook ingress.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcapay/recoup/api/apierr"
	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/ingest"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/queue"
	"gitlab.com/arcapay/recoup/reconcile"
	"gitlab.com/arcapay/recoup/vop"
	"gitlab.com/arcapay/recoup/webhooks"
)

var log = build.AddSubLogger("APIS")

// WebhookPath is the gateway notification ingress. Blacklisted from body
// logging since the payloads carry account data.
const WebhookPath = "/webhooks/gateway"

// Config is the configuration for our API.
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// AllowOrigins is the CORS allow list
	AllowOrigins []string
	// ExportDir is where export jobs spool their files
	ExportDir string
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and the shared pipeline services.
type RestServer struct {
	Router *gin.Engine

	db      *db.DB
	kv      *kv.KV
	broker  *queue.Broker
	ing     *ingest.Ingestor
	orch    *billing.Orchestrator
	rec     *reconcile.Reconciler
	vopReg  *vop.Registry
	bav     vop.BavClient
	webhook *webhooks.Handler
	conf    Config
}

func getCorsConfig(allowOrigins []string) cors.Config {
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"http://127.0.0.1:3000"}
	}
	return cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, []string{WebhookPath}))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.AllowOrigins)))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates a new app
func NewApp(database *db.DB, store *kv.KV, broker *queue.Broker,
	ing *ingest.Ingestor, orch *billing.Orchestrator, rec *reconcile.Reconciler,
	vopReg *vop.Registry, bav vop.BavClient, config Config) (RestServer, error) {

	g := getGinEngine(config)

	r := RestServer{
		Router:  g,
		db:      database,
		kv:      store,
		broker:  broker,
		ing:     ing,
		orch:    orch,
		rec:     rec,
		vopReg:  vopReg,
		bav:     bav,
		webhook: &webhooks.Handler{DB: database, KV: store, Orch: orch},
		conf:    config,
	}

	r.Router.GET("/health", r.health())
	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerWebhookRoutes()
	r.registerUploadRoutes()
	r.registerBlacklistRoutes()
	r.registerOpsRoutes()

	build.SetLogLevels(config.LogLevel)

	return r, nil
}

// health reports whether the database and the KV store answer.
func (r *RestServer) health() gin.HandlerFunc {
	type status struct {
		Database string `json:"database"`
		KV       string `json:"kv"`
	}
	return func(c *gin.Context) {
		s := status{Database: "ok", KV: "ok"}
		code := http.StatusOK
		if err := r.db.Ping(); err != nil {
			s.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := r.kv.Ping(c.Request.Context()); err != nil {
			s.KV = err.Error()
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, s)
	}
}
