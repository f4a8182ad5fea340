package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

// VerifySignature checks a hex encoded HMAC-SHA256 of the raw payload.
func VerifySignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")

	decodedSig, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return verifyHMAC(payload, decodedSig, []byte(secret), sha256.New)
}

// VerifyMidtransSignature checks the signature_key Midtrans puts into its
// notifications: sha512(order_id + status_code + gross_amount + server_key).
func VerifyMidtransSignature(orderID, statusCode, grossAmount, serverKey, signatureKey string) bool {
	if strings.TrimSpace(serverKey) == "" || strings.TrimSpace(signatureKey) == "" {
		return false
	}
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	expected := hex.EncodeToString(sum[:])
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signatureKey))))
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}

type notificationPayload struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	Transaction *wireTransaction `json:"transaction"`

	// Midtrans HTTP notification fields.
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	TransactionTime   string `json:"transaction_time"`
	StatusCode        string `json:"status_code"`
	SignatureKey      string `json:"signature_key"`
}

// MidtransFields returns the values a Midtrans signature is computed over.
// ok is false when the payload is not a Midtrans notification.
func MidtransFields(payload []byte) (orderID, statusCode, grossAmount, signatureKey string, ok bool) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.OrderID == "" {
		return "", "", "", "", false
	}
	return p.OrderID, p.StatusCode, p.GrossAmount, p.SignatureKey, true
}

// ParseNotification normalizes a webhook payload. Both the generic
// {event_id, event_type, transaction{...}} shape and Midtrans HTTP
// notifications are understood.
func ParseNotification(payload []byte, statusMap *StatusMap) (*Notification, error) {
	if statusMap == nil {
		statusMap = DefaultStatusMap()
	}
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	var wire wireTransaction
	eventID := strings.TrimSpace(p.EventID)
	eventType := strings.TrimSpace(p.EventType)
	switch {
	case p.Transaction != nil:
		wire = *p.Transaction
	case p.OrderID != "":
		raw := strings.ToLower(strings.TrimSpace(p.TransactionStatus))
		if raw == "capture" && strings.EqualFold(strings.TrimSpace(p.FraudStatus), "challenge") {
			raw = "challenge"
		}
		currency := p.Currency
		if strings.TrimSpace(currency) == "" {
			currency = "IDR"
		}
		ts := strings.TrimSpace(p.TransactionTime)
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", ts, midtransZone); err == nil {
			ts = t.UTC().Format(time.RFC3339)
		}
		wire = wireTransaction{
			Ref:       p.OrderID,
			Amount:    p.GrossAmount,
			Currency:  currency,
			Status:    raw,
			Timestamp: ts,
		}
		if eventID == "" && p.TransactionID != "" {
			eventID = p.TransactionID + ":" + raw
		}
		if eventType == "" {
			eventType = "payment." + raw
		}
	default:
		return nil, errors.New("notification payload has no transaction")
	}

	c := &HTTPClient{StatusMap: statusMap}
	tx, err := c.toTransaction(wire)
	if err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}
	if eventType == "" {
		eventType = "payment." + strings.ToLower(tx.RawStatus)
	}
	return &Notification{EventID: eventID, EventType: eventType, Transaction: *tx}, nil
}
