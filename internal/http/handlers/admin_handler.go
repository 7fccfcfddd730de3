// Operator HTTP handlers.
//
//   - GET  /admin/dead-letters                  (exhausted dispatch messages)
//   - GET  /admin/queue                         (depth per lane)
//   - POST /admin/transactions/{id}/dispatch    (re-enqueue a pending record)
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-settlement-backend/internal/services"
)

// DeadLetterResponse describes one dead-lettered dispatch message.
type DeadLetterResponse struct {
	Seq            uint64    `json:"seq"`
	RecordID       int64     `json:"record_id"`
	RetryCount     int       `json:"retry_count"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// ListDeadLettersResponse wraps the dead-letter lane.
type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterResponse `json:"dead_letters"`
	Total       int                  `json:"total"`
}

// QueueStatsResponse maps lane name to depth.
type QueueStatsResponse struct {
	Lanes map[string]int `json:"lanes"`
}

// ListDeadLetters godoc
// @ID          listDeadLetters
// @Summary     List dead-lettered dispatch messages
// @Tags        Admin
// @Produce     json
// @Success     200  {object}  handlers.ListDeadLettersResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/dead-letters [get]
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	msgs, err := h.queue.DeadLetters(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	out := make([]DeadLetterResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DeadLetterResponse{
			Seq:            m.Seq,
			RecordID:       m.RecordID,
			RetryCount:     m.RetryCount,
			Reason:         m.Reason,
			DeadLetteredAt: m.DeadLetteredAt,
		})
	}
	ok(c, http.StatusOK, ListDeadLettersResponse{DeadLetters: out, Total: len(out)})
}

// QueueStats godoc
// @ID          queueStats
// @Summary     Dispatch queue depth per lane
// @Tags        Admin
// @Produce     json
// @Success     200  {object}  handlers.QueueStatsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/queue [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	lanes := make(map[string]int, len(stats))
	for lane, n := range stats {
		lanes[string(lane)] = n
	}
	ok(c, http.StatusOK, QueueStatsResponse{Lanes: lanes})
}

// RedispatchTransaction godoc
// @ID          redispatchTransaction
// @Summary     Re-enqueue a pending transaction
// @Description Used after intake answered 503 or to recover a record whose dispatch message was lost.
// @Tags        Admin
// @Produce     json
//
// @Param       id  path  int  true  "Transaction ID"  minimum(1)
//
// @Success     202  {object}  handlers.TransactionResponse  "Queued"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad id"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not pending"
// @Failure     503  {object}  handlers.ErrorResponse  "Queue unavailable"
// @Router      /admin/transactions/{id}/dispatch [post]
func (h *Handlers) RedispatchTransaction(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	rec, err := h.txSvc.Redispatch(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrTransactionNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "transaction not found")
	case errors.Is(err, services.ErrNotDispatchable):
		fail(c, http.StatusConflict, ErrCodeNotDispatchable, "transaction is "+string(rec.Status)+", only pending transactions can be dispatched")
	case errors.Is(err, services.ErrDispatchUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeDispatchUnavailable, "dispatch queue unavailable")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusAccepted, toResponse(rec))
	}
}
