package controller

import (
	"context"
	"io"
	"net/http"

	"github.com/bassista/gitrecords/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v71/github"
)

// maxWebhookBody matches the 25MB cap GitHub applies to deliveries.
const maxWebhookBody = 25 << 20

type WebhookHandler interface {
	Handle(ctx context.Context, d webhook.Delivery) (webhook.Result, error)
}

type WebhookController struct {
	Handler WebhookHandler
}

func NewWebhookController(h WebhookHandler) *WebhookController {
	return &WebhookController{Handler: h}
}

// Receive handles POST /webhooks/github.
func (wc *WebhookController) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	res, err := wc.Handler.Handle(c.Request.Context(), webhook.Delivery{
		Event:     github.WebHookType(c.Request),
		ID:        github.DeliveryID(c.Request),
		Signature: c.GetHeader(github.SHA256SignatureHeader),
		Body:      body,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Body())
}
