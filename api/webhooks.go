package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcapay/recoup/webhooks"
)

func (r *RestServer) registerWebhookRoutes() {
	r.Router.POST(WebhookPath, r.gatewayWebhook())
}

// gatewayWebhook ingests a gateway notification. The gateway expects the
// XML echo with HTTP 200 no matter what; failures inside the handler are
// logged, never surfaced.
func (r *RestServer) gatewayWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			log.WithError(err).Warn("Could not parse webhook form")
		}
		notification := webhooks.ParseNotification(c.Request.PostForm)
		echo := r.webhook.Handle(c.Request.Context(), notification)
		c.Data(http.StatusOK, "application/xml", echo)
	}
}
