package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ascend.software/storefront/internal/config"
	"ascend.software/storefront/models"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestMailer(sent *[]sentMail) *Mailer {
	m := NewMailer(&config.Config{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     "587",
		SMTPUsername: "mailer",
		SMTPPassword: "password",
		EmailFrom:    "licenses@ascend.software",
		BrandName:    "Ascend Software",
	})
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return m
}

func TestNewMailer_DisabledWithoutSMTP(t *testing.T) {
	assert.Nil(t, NewMailer(&config.Config{}))
	assert.Nil(t, NewMailer(&config.Config{SMTPHost: "smtp.example.com"}))
}

func TestSend(t *testing.T) {
	var sent []sentMail
	m := newTestMailer(&sent)

	require.NoError(t, m.Send("buyer@example.com", "Test Subject", "Test Body"))
	require.Len(t, sent, 1)
	assert.Equal(t, "smtp.example.com:587", sent[0].addr)
	assert.Equal(t, "licenses@ascend.software", sent[0].from)
	assert.Equal(t, []string{"buyer@example.com"}, sent[0].to)
	assert.Contains(t, sent[0].msg, "Subject: Test Subject\r\n")
	assert.True(t, strings.HasSuffix(sent[0].msg, "\r\nTest Body\r\n"))
}

func TestSend_NotConfigured(t *testing.T) {
	var m *Mailer
	assert.ErrorIs(t, m.Send("buyer@example.com", "s", "b"), ErrNotConfigured)

	partial := &Mailer{host: "smtp.example.com", port: "587"}
	assert.ErrorIs(t, partial.Send("buyer@example.com", "s", "b"), ErrNotConfigured)
}

func TestSend_RejectsHeaderInjection(t *testing.T) {
	var sent []sentMail
	m := newTestMailer(&sent)

	err := m.Send("buyer@example.com\r\nBcc: victim@example.com", "s", "b")
	assert.Error(t, err)
	assert.Empty(t, sent)
}

func TestSendLicense(t *testing.T) {
	var sent []sentMail
	m := newTestMailer(&sent)

	license := &models.License{
		ID:             "lic-1",
		Key:            "ASC-1234-5678-9ABC-DEF0",
		ProductID:      "bundle",
		ProductName:    "Ascend Full Bundle",
		LicenseType:    models.LicenseLifetime,
		Price:          decimal.RequireFromString("19.99"),
		PurchaserName:  "Test Buyer",
		PurchaserEmail: "buyer@example.com",
	}

	require.NoError(t, m.SendLicense(context.Background(), license))
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].msg, "Subject: Your Ascend Full Bundle license")
	assert.Contains(t, sent[0].msg, "ASC-1234-5678-9ABC-DEF0")
	assert.Contains(t, sent[0].msg, "$19.99")
	assert.Contains(t, sent[0].msg, "Hi Test Buyer")
}

func TestSendLicense_CanceledContext(t *testing.T) {
	var sent []sentMail
	m := newTestMailer(&sent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.SendLicense(ctx, &models.License{PurchaserEmail: "buyer@example.com"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sent)
}
