package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paywatch/internal/account"
	"paywatch/internal/domain"
)

// Status codes reported to the payment provider.
const (
	statusOK           = 0
	statusStoreFailed  = 1
	statusBadRequest   = -1
	statusNoData       = -2
	statusMissingField = -3
	statusUnknownPayer = -4
	statusDuplicate    = -5
	statusNoAmount     = -6
	statusUnderMinimum = -7
)

const (
	sampleSender   = "Sample sender"
	minimumPayment = 5.0
	defaultAmount  = "Ksh0.00"
)

type receiverReq struct {
	Sender string          `json:"sender"`
	Amount *string         `json:"amount"`
	Date   json.RawMessage `json:"date"`
	Phone  string          `json:"phone"`
	ID     string          `json:"id"`
}

// receiver records a payment notification. Every rejection is answered with
// 401 and a status code the provider logs on its side.
func (s *Server) receiver(w http.ResponseWriter, r *http.Request) {
	reject := func(status int, msg string) {
		writeJSON(w, http.StatusUnauthorized, message{Message: msg, Status: status})
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		reject(statusBadRequest, "Error receiving MPESA response")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("{}")) || bytes.Equal(body, []byte("null")) {
		reject(statusNoData, "No data received")
		return
	}

	var req receiverReq
	if err := json.Unmarshal(body, &req); err != nil {
		reject(statusBadRequest, "Error receiving MPESA response")
		return
	}
	amount := defaultAmount
	if req.Amount != nil {
		amount = strings.TrimSpace(*req.Amount)
	}

	switch {
	case strings.TrimSpace(req.Phone) == "":
		reject(statusMissingField, "No phone number received")
		return
	case strings.TrimSpace(req.ID) == "":
		reject(statusMissingField, "No MPESA code received")
		return
	case amount == "":
		reject(statusMissingField, "No amount received")
		return
	}

	paidAt, err := parseEpochMillis(req.Date, s.now)
	if err != nil {
		reject(statusBadRequest, "Error receiving MPESA response")
		return
	}

	if req.Sender == sampleSender {
		writeJSON(w, http.StatusOK, message{Message: "Success", Status: statusOK})
		return
	}

	ctx := r.Context()
	phone, err := account.NormalizeTelephone(req.Phone)
	if err != nil {
		reject(statusUnknownPayer, "User not registered")
		return
	}
	if _, found, err := s.deps.Users.FindUserByTelephone(ctx, phone); err != nil {
		s.log.Error().Err(err).Msg("look up payer")
		reject(statusBadRequest, "Error receiving MPESA response")
		return
	} else if !found {
		reject(statusUnknownPayer, "User not registered")
		return
	}

	if _, found, err := s.deps.Payments.GetPayment(ctx, req.ID); err != nil {
		s.log.Error().Err(err).Msg("look up payment")
		reject(statusBadRequest, "Error receiving MPESA response")
		return
	} else if found {
		reject(statusDuplicate, "MPESA transaction already saved")
		return
	}

	price, ok := parsePrice(amount)
	if !ok {
		reject(statusNoAmount, "No amount received")
		return
	}
	if price < minimumPayment {
		reject(statusUnderMinimum, "1000/= needed for internet connection")
		return
	}

	err = s.deps.Payments.RecordPayment(ctx, domain.Payment{
		Code:      req.ID,
		Sender:    req.Sender,
		Amount:    amount,
		Source:    phone,
		CreatedAt: paidAt,
	})
	switch {
	case errors.Is(err, domain.ErrPaymentExists):
		reject(statusDuplicate, "MPESA transaction already saved")
		return
	case err != nil:
		s.log.Error().Err(err).Str("payment_code", req.ID).Msg("record payment")
		reject(statusStoreFailed, "unable to save payment. Please contact admin")
		return
	}

	s.log.Info().Str("payment_code", req.ID).Str("amount", amount).Msg("payment received")
	writeJSON(w, http.StatusOK, message{Message: "Success", Status: statusOK})
}

// parseEpochMillis accepts the date as a JSON number or string. Absent or
// zero means now.
func parseEpochMillis(raw json.RawMessage, now func() time.Time) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return now().UTC(), nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms == 0 {
		return now().UTC(), nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parsePrice reads the number after the currency prefix, as in "Ksh1,000.00".
func parsePrice(amount string) (float64, bool) {
	if i := strings.LastIndex(amount, "h"); i >= 0 {
		amount = amount[i+1:]
	}
	amount = strings.ReplaceAll(strings.TrimSpace(amount), ",", "")
	price, err := strconv.ParseFloat(amount, 64)
	if err != nil || price == 0 {
		return 0, false
	}
	return price, true
}
