// Account HTTP handlers.
//
//   - GET /accounts/{account_id}/balance
//
// A balance counts completed transactions only. An account is known once any
// transaction, in any status, references it.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-settlement-backend/internal/services"
)

// BalanceResponse is the settled balance of an account. Balance is a decimal
// string so no precision is lost in transit.
type BalanceResponse struct {
	AccountID string `json:"account_id" example:"acc-42"`
	Balance   string `json:"balance"    example:"75"`
}

// GetBalance godoc
// @ID          getBalance
// @Summary     Get an account balance
// @Description Sum of completed credits minus sum of completed debits.
// @Tags        Accounts
// @Produce     json
//
// @Param       account_id  path  string  true  "Account ID"
//
// @Success     200  {object}  handlers.BalanceResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Account not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /accounts/{account_id}/balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	accountID := c.Param("account_id")

	bal, err := h.acctSvc.Balance(c.Request.Context(), accountID)
	if errors.Is(err, services.ErrAccountNotFound) {
		fail(c, http.StatusNotFound, ErrCodeAccountNotFound, "account not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, BalanceResponse{AccountID: accountID, Balance: bal.String()})
}
