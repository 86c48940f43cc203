package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/webhook"
)

// HeaderGatewaySignature — подпись тела webhook.
const HeaderGatewaySignature = "Gateway-Signature"

// maxWebhookBody — предел размера тела webhook.
const maxWebhookBody = 1 << 20

// WebhookHandler принимает события платёжного шлюза.
// Если relay задан, события проверяются и откладываются в Kafka.
type WebhookHandler struct {
	ingestor WebhookIngestor
	relay    WebhookRelay
}

// NewWebhookHandler создаёт обработчик webhook. relay может быть nil.
func NewWebhookHandler(ingestor WebhookIngestor, relay WebhookRelay) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, relay: relay}
}

// HandleGateway — POST /webhooks/gateway
//
// 200 — событие принято или уже было обработано, 202 — передано в очередь,
// 400 — неверная подпись или тело. Ответ 5xx заставит шлюз повторить доставку.
func (h *WebhookHandler) HandleGateway(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.Ctx(ctx)

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось прочитать тело webhook")
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "error": "некорректное тело webhook"})
		return
	}
	signature := c.GetHeader(HeaderGatewaySignature)

	if h.relay != nil {
		eventID, err := h.relay.Forward(ctx, raw, signature)
		if err != nil {
			h.reject(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "event_id": eventID})
		return
	}

	result, err := h.ingestor.Ingest(ctx, raw, signature)
	if err != nil {
		h.reject(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *WebhookHandler) reject(c *gin.Context, err error) {
	log := logger.Ctx(c.Request.Context())
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		log.Warn().Msg("Webhook с неверной подписью отклонён")
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "error": err.Error()})
	case errors.Is(err, webhook.ErrMalformedPayload):
		log.Warn().Err(err).Msg("Некорректный webhook отклонён")
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "error": err.Error()})
	default:
		log.Error().Err(err).Msg("Ошибка приёма webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"accepted": false, "error": "внутренняя ошибка сервера"})
	}
}
