package payment

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/AnandSundar/idempotency-gateway/internal/httpx"
	"github.com/AnandSundar/idempotency-gateway/internal/logger"
)

// ErrInvalidRequest is returned for payloads missing a numeric amount or a currency
var ErrInvalidRequest = errors.New("invalid request payload")

// Handler serves charge requests. It logs through the logger carried by the
// request context.
type Handler struct {
	processor Processor
	validate  *validator.Validate
}

// NewHandler returns a handler charging through processor
func NewHandler(processor Processor) *Handler {
	return &Handler{
		processor: processor,
		validate:  validator.New(),
	}
}

// ServeHTTP validates a charge request and runs it through the processor
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context()).With("component", "payment")
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req, err := h.decode(body)
	if err != nil {
		log.Warn("rejected payment request", "error", err)
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	receipt, err := h.processor.Process(r.Context(), req)
	if err != nil {
		log.Error("payment processing failed", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Info("payment charged", "id", receipt.ID, "amount", receipt.Amount.String(), "currency", receipt.Currency)
	httpx.WriteJSON(w, http.StatusOK, receipt)
}

// decode requires amount to be a JSON number and currency a non-empty JSON string
func (h *Handler) decode(body []byte) (Request, error) {
	if !gjson.ValidBytes(body) {
		return Request{}, ErrInvalidRequest
	}
	if gjson.GetBytes(body, "amount").Type != gjson.Number {
		return Request{}, ErrInvalidRequest
	}
	if gjson.GetBytes(body, "currency").Type != gjson.String {
		return Request{}, ErrInvalidRequest
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, errors.Join(ErrInvalidRequest, err)
	}
	if err := h.validate.Struct(req); err != nil {
		return Request{}, errors.Join(ErrInvalidRequest, err)
	}
	return req, nil
}
