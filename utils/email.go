package utils

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"

	"github.com/Austinkuria/clinique-beauty-sub003/config"
)

// Mailer sends transactional email over SMTP. Delivery failures are logged,
// never propagated; email is a courtesy, not part of the payment contract.
type Mailer struct {
	cfg config.SMTPConfig
}

func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// SendPaymentReceipt emails the payer a receipt for a completed payment.
func (m *Mailer) SendPaymentReceipt(email, orderID, receiptNumber string, amount int) {
	if m.cfg.Host == "" || m.cfg.Sender == "" {
		log.Debug().Str("order_id", orderID).Msg("SMTP not configured, skipping receipt email")
		return
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.Sender)
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", fmt.Sprintf("Payment received for order %s", orderID))
	msg.SetBody("text/plain", fmt.Sprintf(
		"We have received your payment of KES %d for order %s.\nM-Pesa receipt number: %s\n\nThank you for shopping with Clinique Beauty.",
		amount, orderID, receiptNumber,
	))

	d := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.User, m.cfg.Pass)
	if err := d.DialAndSend(msg); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("failed to send receipt email")
		return
	}
	log.Info().Str("order_id", orderID).Msg("receipt email sent")
}
