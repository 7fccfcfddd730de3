// Transaction HTTP handlers.
//
// This file exposes the intake and read endpoints for transactions:
//   - POST /transactions                         (submit, idempotent on external_id)
//   - GET  /transactions/{id}                    (read one)
//   - GET  /accounts/{account_id}/transactions   (list, paginated)
//
// Handlers are transport-thin: they bind and validate input, call the
// services, and translate service errors into the ErrorResponse envelope.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-settlement-backend/internal/domain"
	"github.com/tbourn/go-settlement-backend/internal/queue"
	"github.com/tbourn/go-settlement-backend/internal/services"
	"github.com/tbourn/go-settlement-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// TransactionService is the intake and lookup contract consumed by handlers.
type TransactionService interface {
	// Submit creates and dispatches a transaction, or returns the existing
	// record for a repeated external_id (created=false).
	Submit(ctx context.Context, in services.SubmitInput) (*domain.Transaction, bool, error)
	Get(ctx context.Context, id int64) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, page, pageSize int) ([]domain.Transaction, int64, error)
	// Redispatch re-enqueues a pending record.
	Redispatch(ctx context.Context, id int64) (*domain.Transaction, error)
}

// AccountService answers balance queries.
type AccountService interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// QueueInspector exposes dispatch queue state to operators.
type QueueInspector interface {
	DeadLetters(ctx context.Context) ([]queue.Message, error)
	Stats(ctx context.Context) (map[queue.Lane]int, error)
}

//
// Handler wiring
//

// Handlers groups the settlement API endpoints.
type Handlers struct {
	txSvc   TransactionService
	acctSvc AccountService
	queue   QueueInspector
}

// New constructs Handlers bound to the given services.
func New(txSvc TransactionService, acctSvc AccountService, q QueueInspector) *Handlers {
	return &Handlers{txSvc: txSvc, acctSvc: acctSvc, queue: q}
}

//
// DTOs
//

// CreateTransactionRequest is the JSON payload for submitting a transaction.
// Amount accepts a JSON number or a decimal string.
type CreateTransactionRequest struct {
	ExternalID string           `json:"external_id" binding:"required,uuid"    example:"9b2f3c1e-4d5a-4b6c-8d7e-0f1a2b3c4d5e"`
	Amount     *decimal.Decimal `json:"amount"      binding:"required"         swaggertype:"string" example:"100.00"`
	Kind       string           `json:"kind"        binding:"required"         example:"CREDIT"`
	AccountID  string           `json:"account_id"  binding:"required,max=128" example:"acc-42"`
}

// TransactionResponse is the public view of a transaction record.
type TransactionResponse struct {
	ID               int64     `json:"id"                          example:"1"`
	ExternalID       string    `json:"external_id"                 example:"9b2f3c1e-4d5a-4b6c-8d7e-0f1a2b3c4d5e"`
	AccountID        string    `json:"account_id"                  example:"acc-42"`
	Amount           string    `json:"amount"                      example:"100.00"`
	Kind             string    `json:"kind"                        example:"CREDIT"`
	Status           string    `json:"status"                      example:"pending"`
	PartnerReference *string   `json:"partner_reference,omitempty" example:"P1"`
	Attempts         int       `json:"attempts"                    example:"0"`
	LastError        string    `json:"last_error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListTransactionsResponse wraps a page of an account's transactions.
type ListTransactionsResponse struct {
	AccountID    string                `json:"account_id"`
	Transactions []TransactionResponse `json:"transactions"`
	Pagination   Pagination            `json:"pagination"`
}

func toResponse(t *domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:               t.ID,
		ExternalID:       t.ExternalID,
		AccountID:        t.AccountID,
		Amount:           t.Amount.String(),
		Kind:             string(t.Kind),
		Status:           string(t.Status),
		PartnerReference: t.PartnerReference,
		Attempts:         t.Attempts,
		LastError:        t.LastError,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

//
// Helpers
//

// bindFailure classifies a ShouldBindJSON error. Unreadable bodies are 400;
// well-formed JSON that breaks the schema is 422.
func bindFailure(c *gin.Context, err error) {
	var (
		tooBig  *http.MaxBytesError
		syntax  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
		verrs   validator.ValidationErrors
	)
	switch {
	case errors.As(err, &tooBig):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
	case errors.As(err, &syntax), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed JSON body")
	case errors.As(err, &verrs):
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidation, describeValidation(verrs))
	case errors.As(err, &typeErr):
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidation, fmt.Sprintf("%s has the wrong type", typeErr.Field))
	default:
		// decimal parse errors surface here
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidation, "amount must be a decimal number")
	}
}

var jsonFieldNames = map[string]string{
	"ExternalID": "external_id",
	"Amount":     "amount",
	"Kind":       "kind",
	"AccountID":  "account_id",
}

func describeValidation(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := jsonFieldNames[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, name+" is required")
		case "uuid":
			msgs = append(msgs, name+" must be a UUID")
		default:
			msgs = append(msgs, name+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// pathID parses the :id path parameter as a positive integer.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

//
// Handlers
//

// CreateTransaction godoc
// @ID          createTransaction
// @Summary     Submit a transaction
// @Description Creates a pending transaction and queues it for settlement. Repeating an external_id returns the stored record with 200 and queues nothing.
// @Tags        Transactions
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateTransactionRequest  true  "Transaction payload"
//
// @Success     201  {object}  handlers.TransactionResponse  "Created"
// @Success     200  {object}  handlers.TransactionResponse  "Existing record for external_id"
// @Header      201  {string}  Location  "URL of the new transaction"
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed body or invalid amount"
// @Failure     422  {object}  handlers.ErrorResponse  "Schema violation"
// @Failure     503  {object}  handlers.ErrorResponse  "Stored but not queued"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /transactions [post]
func (h *Handlers) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindFailure(c, err)
		return
	}

	rec, created, err := h.txSvc.Submit(c.Request.Context(), services.SubmitInput{
		ExternalID: req.ExternalID,
		Amount:     *req.Amount,
		Kind:       req.Kind,
		AccountID:  req.AccountID,
	})
	switch {
	case errors.Is(err, services.ErrInvalidAmount):
		fail(c, http.StatusBadRequest, ErrCodeInvalidAmount, err.Error())
		return
	case errors.Is(err, services.ErrInvalidKind), errors.Is(err, services.ErrInvalidInput):
		fail(c, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	case errors.Is(err, services.ErrDispatchUnavailable):
		if rec != nil {
			c.Header("Location", transactionURL(c, rec.ID))
		}
		fail(c, http.StatusServiceUnavailable, ErrCodeDispatchUnavailable, "transaction stored but not queued; retry dispatch later")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	if !created {
		ok(c, http.StatusOK, toResponse(rec))
		return
	}
	c.Header("Location", transactionURL(c, rec.ID))
	ok(c, http.StatusCreated, toResponse(rec))
}

// transactionURL derives the resource URL from the request path so it
// follows whatever base path the router was mounted at.
func transactionURL(c *gin.Context, id int64) string {
	return strings.TrimSuffix(c.Request.URL.Path, "/") + "/" + strconv.FormatInt(id, 10)
}

// GetTransaction godoc
// @ID          getTransaction
// @Summary     Get a transaction
// @Tags        Transactions
// @Produce     json
//
// @Param       id  path  int  true  "Transaction ID"  minimum(1)
//
// @Success     200  {object}  handlers.TransactionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad id"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /transactions/{id} [get]
func (h *Handlers) GetTransaction(c *gin.Context) {
	id, valid := pathID(c)
	if !valid {
		return
	}
	rec, err := h.txSvc.Get(c.Request.Context(), id)
	if errors.Is(err, services.ErrTransactionNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "transaction not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, toResponse(rec))
}

// ListAccountTransactions godoc
// @ID          listAccountTransactions
// @Summary     List an account's transactions (paginated)
// @Description Newest first, any status.
// @Tags        Accounts
// @Produce     json
//
// @Param       account_id  path   string  true   "Account ID"
// @Param       page        query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size   query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListTransactionsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Account not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /accounts/{account_id}/transactions [get]
func (h *Handlers) ListAccountTransactions(c *gin.Context) {
	accountID := c.Param("account_id")
	page, pageSize := utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)

	items, total, err := h.txSvc.ListByAccount(c.Request.Context(), accountID, page, pageSize)
	if errors.Is(err, services.ErrAccountNotFound) {
		fail(c, http.StatusNotFound, ErrCodeAccountNotFound, "account not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	out := make([]TransactionResponse, 0, len(items))
	for i := range items {
		out = append(out, toResponse(&items[i]))
	}
	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListTransactionsResponse{
		AccountID:    accountID,
		Transactions: out,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
