package handlers

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/paybridge/internal/currency"
	"github.com/markjakearzadon/paybridge/internal/models"
)

type CurrencyHandler struct {
	converter *currency.Converter
}

func NewCurrencyHandler(converter *currency.Converter) *CurrencyHandler {
	return &CurrencyHandler{converter: converter}
}

type currencyInfo struct {
	Code string          `json:"code"`
	Rate decimal.Decimal `json:"rate"`
}

func (h *CurrencyHandler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	codes := h.converter.Supported()
	out := make([]currencyInfo, 0, len(codes))
	for _, code := range codes {
		rate, err := h.converter.Rate(h.converter.Base(), code)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		out = append(out, currencyInfo{Code: code, Rate: rate})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"base":             h.converter.Base(),
		"display_fallback": h.converter.FallbackDisplay(),
		"currencies":       out,
	})
}

// Convert handles ?amount=&from=&to=. from defaults to the base currency and
// to to the display fallback.
func (h *CurrencyHandler) Convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil {
		writeError(w, models.NewValidationError("amount must be a number"), nil)
		return
	}
	from := strings.ToUpper(strings.TrimSpace(q.Get("from")))
	if from == "" {
		from = h.converter.Base()
	}
	to := strings.ToUpper(strings.TrimSpace(q.Get("to")))
	if to == "" {
		to = h.converter.FallbackDisplay()
	}

	converted, err := h.converter.Convert(amount, from, to)
	if err != nil {
		writeError(w, models.NewValidationError("%v", err), nil)
		return
	}
	rate, _ := h.converter.Rate(from, to)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"amount":    amount,
		"from":      from,
		"to":        to,
		"rate":      rate,
		"converted": converted,
		"formatted": h.converter.Format(converted, to),
	})
}
