package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"ascend.software/storefront/internal/config"
	"ascend.software/storefront/internal/logger"
	"ascend.software/storefront/models"
)

var ErrNotConfigured = errors.New("SMTP configuration missing")

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends license receipts over SMTP.
type Mailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	brand    string
	send     sendFunc
}

// NewMailer returns nil when SMTP is not configured.
func NewMailer(cfg *config.Config) *Mailer {
	if !cfg.EmailEnabled() {
		return nil
	}

	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.EmailFrom,
		brand:    cfg.BrandName,
		send:     smtp.SendMail,
	}
}

func (m *Mailer) Send(to, subject, body string) error {
	if m == nil || m.host == "" || m.port == "" || m.username == "" || m.password == "" {
		logger.Error("SMTP configuration missing")
		return ErrNotConfigured
	}
	if strings.ContainsAny(to+subject, "\r\n") {
		return fmt.Errorf("invalid header value")
	}

	auth := smtp.PlainAuth("", m.username, m.password, m.host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", m.from, to, subject, body))

	return m.send(net.JoinHostPort(m.host, m.port), auth, m.from, []string{to}, msg)
}

// SendLicense mails the license key to the purchaser.
func (m *Mailer) SendLicense(ctx context.Context, license *models.License) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("Your %s license", license.ProductName)
	body := fmt.Sprintf("Hi %s,\r\n\r\n"+
		"Thank you for purchasing %s from %s.\r\n\r\n"+
		"License key: %s\r\n"+
		"License type: %s\r\n"+
		"Amount paid: $%s\r\n\r\n"+
		"Sign up or sign in with %s to see this license in your dashboard.\r\n",
		license.PurchaserName,
		license.ProductName,
		m.brand,
		license.Key,
		license.LicenseType,
		license.Price.StringFixed(2),
		license.PurchaserEmail,
	)

	if err := m.Send(license.PurchaserEmail, subject, body); err != nil {
		return fmt.Errorf("failed to send license email: %w", err)
	}

	logger.Info("License email sent", map[string]interface{}{
		"license_id": license.ID,
		"product_id": license.ProductID,
	})
	return nil
}
