// Package services holds business helpers that sit beside the marketplace
// core, currently payment funding aids.
package services

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/skip2/go-qrcode"
)

// PaymentService produces funding references for employer wallets. Employers
// top up their ledger account out of band before accepting a bid; the QR code
// encodes where and how much to send.
type PaymentService struct {
	asset string
}

// NewPaymentService creates a PaymentService for the given asset label.
func NewPaymentService(asset string) *PaymentService {
	return &PaymentService{asset: asset}
}

// FundingURI builds the payment URI for an address and amount.
func (s *PaymentService) FundingURI(address string, amount int64) string {
	return fmt.Sprintf("%s:%s?amount=%d", s.asset, address, amount)
}

// FundingQR renders the funding URI as a PNG QR code.
func (s *PaymentService) FundingQR(address string, amount int64) ([]byte, error) {
	qr, err := qrcode.New(s.FundingURI(address, amount), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(256)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}
