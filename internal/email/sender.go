// Package email envía mails transaccionales (verificación, reset). SMTP en
// prod, LogSender en dev/tests.
package email

import (
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"

	"github.com/SOG-web/reauth/internal/observability/logger"
)

// Sender envía un email con versión HTML y texto plano. El destinatario
// recibe ambas como multipart/alternative.
type Sender interface {
	Send(to string, subject string, htmlBody string, textBody string) error
}

// SMTPSender implementa Sender sobre SMTP.
type SMTPSender struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool
}

func NewSMTPSender(host string, port int, from, user, pass string) *SMTPSender {
	return &SMTPSender{
		Host:    host,
		Port:    port,
		From:    from,
		User:    user,
		Pass:    pass,
		TLSMode: "auto",
	}
}

func (s *SMTPSender) Send(to, subject, htmlBody, textBody string) error {
	log := logger.With(
		logger.Component("SMTPSender"),
		logger.String("host", s.Host),
		logger.Int("port", s.Port),
		logger.String("to", to),
	)

	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	// Preferimos multipart/alternative (txt + html)
	if textBody != "" {
		m.SetBody("text/plain", textBody)
	}
	if htmlBody != "" {
		if textBody == "" {
			m.SetBody("text/html", htmlBody)
		} else {
			m.AddAlternative("text/html", htmlBody)
		}
	}

	d := mail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	d.TLSConfig = &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: s.InsecureSkipVerify, // solo dev
	}

	switch s.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: s.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si corresponde
	}

	if err := d.DialAndSend(m); err != nil {
		diag := DiagnoseSMTP(err)
		log.Error("smtp send failed",
			logger.Err(err),
			logger.String("diag", diag.Code),
			logger.Bool("temporary", diag.Temporary),
		)
		return fmt.Errorf("smtp send: %w", err)
	}

	log.Info("email sent")
	return nil
}

// LogSender no envía nada: loguea el mail completo. Para development y tests,
// donde el código de verificación tiene que ser visible.
type LogSender struct{}

func (LogSender) Send(to, subject, htmlBody, textBody string) error {
	logger.With(logger.Component("LogSender")).Info("email (not sent)",
		logger.String("to", to),
		logger.String("subject", subject),
		logger.String("text", textBody),
	)
	return nil
}
