package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// PaymentRequest is what a seller's QR encodes: who to pay, how much, and an
// order reference the buyer's transfer uses as its idempotency key.
type PaymentRequest struct {
	RecipientID    string `json:"recipientId"`
	Amount         int64  `json:"amount"`
	OrderReference string `json:"orderReference"`
	Timestamp      int64  `json:"timestamp"`
}

// QRService issues short-lived, single-use payment-request codes. Scanning a
// code resolves the recipient and amount to prefill a wallet transfer.
type QRService struct {
	redis *redis.Client
}

func NewQRService(redisClient *redis.Client) *QRService {
	return &QRService{
		redis: redisClient,
	}
}

// GeneratePaymentQR creates a payment request for the given recipient and
// returns the opaque code plus a base64 PNG of the QR image. The code expires
// after five minutes.
func (s *QRService) GeneratePaymentQR(ctx context.Context, recipientID string, amount int64) (string, string, error) {
	request := PaymentRequest{
		RecipientID:    recipientID,
		Amount:         amount,
		OrderReference: "QR-" + uuid.NewString(),
		Timestamp:      time.Now().Unix(),
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("payqr:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ResolvePaymentQR redeems a scanned code. Codes are single use: the first
// resolution deletes the key, so a replayed scan fails.
func (s *QRService) ResolvePaymentQR(ctx context.Context, code string) (*PaymentRequest, error) {
	key := fmt.Sprintf("payqr:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired payment code")
	}
	if err != nil {
		return nil, err
	}

	var request PaymentRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return &request, nil
}
