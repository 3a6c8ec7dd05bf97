package v2

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ts-factory/bublik-sub000/internal/livelog"
)

const (
	streamReadTimeout  = 5 * time.Minute
	streamWriteTimeout = 10 * time.Second
	streamMaxMessage   = 16 << 20
)

// StreamAck answers every batch received on a stream.
type StreamAck struct {
	OK      bool   `json:"ok"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// Stream feeds batches received as websocket text messages. The socket is
// closed after the first failed batch.
// GET /api/v2/importruns/stream?run=ID
func (h *Handler) Stream(c echo.Context) error {
	runID, err := queryRunID(c)
	if err != nil {
		return h.error(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Int64("run_id", runID).Msg("failed to upgrade websocket")
		return nil
	}
	defer ws.Close()

	ws.SetReadLimit(streamMaxMessage)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	log := h.log.With().Int64("run_id", runID).Logger()
	for {
		if err := ws.SetReadDeadline(time.Now().Add(streamReadTimeout)); err != nil {
			return nil
		}
		msgType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("stream closed")
			}
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ack := StreamAck{OK: true, Status: http.StatusNoContent}
		feedErr := h.service.Feed(context.WithoutCancel(c.Request().Context()), runID, message)
		if feedErr != nil {
			le := livelog.AsError(feedErr)
			ack = StreamAck{Status: le.Kind.HTTPStatus(), Message: le.Message}
		}

		_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := ws.WriteJSON(ack); err != nil {
			log.Warn().Err(err).Msg("failed to write stream ack")
			return nil
		}
		if feedErr != nil {
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ack.Message)
			_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(streamWriteTimeout))
			return nil
		}
	}
}
