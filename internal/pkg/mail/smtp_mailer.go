package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

// Config holds the SMTP settings and the alert recipients.
type Config struct {
	Host        string
	Port        string
	Username    string
	Password    string
	Sender      string
	Recipients  []string
	MinSeverity string
}

// LoadConfig reads the SMTP settings from the environment.
func LoadConfig() *Config {
	cfg := &Config{
		Host:        env.GetEnv("SMTP_HOST", ""),
		Port:        env.GetEnv("SMTP_PORT", "25"),
		Username:    env.GetEnv("SMTP_USERNAME", ""),
		Password:    env.GetEnv("SMTP_PASSWORD", ""),
		Sender:      env.GetEnv("SMTP_SENDER", ""),
		MinSeverity: strings.ToLower(strings.TrimSpace(env.GetEnv("ALERT_MAIL_MIN_SEVERITY", models.AlertSeverityCritical))),
	}
	for _, r := range strings.Split(env.GetEnv("ALERT_MAIL_TO", ""), ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.Recipients = append(cfg.Recipients, r)
		}
	}
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
	}
	return cfg
}

// IsEnabled reports whether alert mails can be sent.
func (c *Config) IsEnabled() bool {
	return c != nil && c.Host != "" && len(c.Recipients) > 0
}

// sendMail is swapped in tests.
var sendMail = smtp.SendMail

// SendMail sends a plain text mail via SMTP.
func SendMail(cfg *Config, to []string, subject string, body string) error {
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", cfg.Sender, strings.Join(to, ", "), subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
			body,
	)

	err := sendMail(addr, auth, cfg.Sender, to, msg)
	if err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
	} else {
		log.Infof("[Mail] Sent %q to %d recipient(s) via %s", subject, len(to), addr)
	}
	return err
}

// AlertNotifier mails newly raised alerts at or above the configured severity.
type AlertNotifier struct {
	cfg *Config
}

func NewAlertNotifier(cfg *Config) *AlertNotifier {
	return &AlertNotifier{cfg: cfg}
}

func (n *AlertNotifier) Notify(ctx context.Context, alert *models.Alert) error {
	if alert == nil || !n.cfg.IsEnabled() {
		return nil
	}
	if severityRank(alert.Severity) < severityRank(n.cfg.MinSeverity) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return SendMail(n.cfg, n.cfg.Recipients, alertSubject(alert), alertBody(alert))
}

func severityRank(severity string) int {
	if strings.EqualFold(severity, models.AlertSeverityCritical) {
		return 2
	}
	return 1
}

func alertSubject(a *models.Alert) string {
	return fmt.Sprintf("[PayRecon] %s %s for %s", strings.ToUpper(a.Severity), a.Type, a.ExternalRef)
}

func alertBody(a *models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert:     #%d\n", a.ID)
	fmt.Fprintf(&b, "Type:      %s\n", a.Type)
	fmt.Fprintf(&b, "Severity:  %s\n", a.Severity)
	fmt.Fprintf(&b, "Reference: %s\n", a.ExternalRef)
	if a.PaymentID != nil {
		fmt.Fprintf(&b, "Payment:   %d\n", *a.PaymentID)
	}
	fmt.Fprintf(&b, "Run:       %s\n", a.RunID)
	fmt.Fprintf(&b, "Raised:    %s\n\n", a.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString(a.Message)
	b.WriteString("\n")
	if len(a.Payload) > 0 {
		b.WriteString("\n")
		b.Write(a.Payload)
		b.WriteString("\n")
	}
	return b.String()
}
