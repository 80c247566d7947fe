package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
)

// EmailConfig holds SMTP settings for signal alerts
type EmailConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Host     string   `json:"host" yaml:"host"`
	Port     string   `json:"port" yaml:"port" default:"587"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"-" yaml:"password"`
	From     string   `json:"from" yaml:"from" validate:"omitempty,email"`
	FromName string   `json:"from_name" yaml:"from_name" default:"SMC Signal Engine"`
	To       []string `json:"to" yaml:"to" validate:"omitempty,dive,email"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails signal and error notifications over SMTP
type EmailNotifier struct {
	cfg      EmailConfig
	enabled  bool
	sendMail sendMailFunc
}

// NewEmailNotifier creates a new email notifier. Port 465 uses implicit
// TLS; other ports use STARTTLS when the server offers it.
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	e := &EmailNotifier{
		cfg:      cfg,
		enabled:  cfg.Enabled && cfg.Host != "" && len(cfg.To) > 0,
		sendMail: smtp.SendMail,
	}
	if cfg.Port == "465" {
		e.sendMail = sendMailTLS
	}
	return e
}

func (e *EmailNotifier) Name() string {
	return "email"
}

func (e *EmailNotifier) IsEnabled() bool {
	return e.enabled
}

func (e *EmailNotifier) Send(ctx context.Context, n *Notification) error {
	if !e.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := e.cfg.From
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.From)
	}

	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + strings.Join(e.cfg.To, ", ") + "\r\n" +
			"Subject: " + n.Title + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n" +
			"\r\n" +
			renderEmail(n) + "\r\n",
	)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	addr := net.JoinHostPort(e.cfg.Host, e.cfg.Port)
	if err := e.sendMail(addr, auth, e.cfg.From, e.cfg.To, message); err != nil {
		return fmt.Errorf("SMTP error: %w", err)
	}
	return nil
}

func renderEmail(n *Notification) string {
	var b strings.Builder
	b.WriteString("<html><body style=\"font-family: Arial, sans-serif; color: #333;\">")
	fmt.Fprintf(&b, "<h2>%s</h2><p>%s</p>", html.EscapeString(n.Title), html.EscapeString(n.Message))
	if s := n.Signal; s != nil {
		b.WriteString("<table cellpadding=\"4\">")
		rows := [][2]string{
			{"Instrument", s.Instrument},
			{"Grade", string(s.Grade)},
			{"Phase", s.PhaseName},
			{"Confidence", fmt.Sprintf("%.1f%%", s.Confidence)},
			{"Entry", fmt.Sprintf("%.5f", s.Entry)},
			{"Stop loss", fmt.Sprintf("%.5f", s.StopLoss)},
			{"Take profit", fmt.Sprintf("%.5f", s.TakeProfit)},
		}
		for _, r := range rows {
			fmt.Fprintf(&b, "<tr><td><b>%s</b></td><td>%s</td></tr>", r[0], html.EscapeString(r[1]))
		}
		b.WriteString("</table>")
	}
	fmt.Fprintf(&b, "<p style=\"font-size: 12px; color: #666;\">%s</p>", n.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	b.WriteString("</body></html>")
	return b.String()
}

// sendMailTLS sends over an implicit TLS connection (port 465)
func sendMailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}
	if err = client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, recipient := range to {
		if err = client.Rcpt(recipient); err != nil {
			return fmt.Errorf("failed to add recipient: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}
