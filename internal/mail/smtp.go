package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPDispatcher submits mail through a single SMTP account. The account
// address doubles as the envelope sender.
type SMTPDispatcher struct {
	Host        string
	Port        int
	StartTLS    bool
	Username    string
	Password    string
	DialTimeout time.Duration
	Now         func() time.Time
}

func (d *SMTPDispatcher) addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

func (d *SMTPDispatcher) dial() (*smtp.Client, error) {
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	tlsConfig := &tls.Config{ServerName: d.Host}
	if d.StartTLS {
		conn, err := net.DialTimeout("tcp", d.addr(), timeout)
		if err != nil {
			return nil, fmt.Errorf("dial smtp %s: %w", d.addr(), err)
		}
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return c, nil
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", d.addr(), tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial smtps %s: %w", d.addr(), err)
	}
	return smtp.NewClient(conn), nil
}

// buildMessage assembles the multipart MIME body for one outgoing mail.
func (d *SMTPDispatcher) buildMessage(msg Outgoing, messageID string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, msg.Body); err != nil {
		return nil, err
	}
	tw.Close()

	if msg.AttachmentPath != "" {
		if err := attach(mw, msg.AttachmentPath, msg.AttachmentName); err != nil {
			return nil, err
		}
	}
	mw.Close()
	return buf.Bytes(), nil
}

// Send builds a multipart MIME message and submits it. The returned
// Message-ID is recorded on the outbound row.
func (d *SMTPDispatcher) Send(ctx context.Context, msg Outgoing) (string, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), d.Host)
	raw, err := d.buildMessage(msg, messageID, now())
	if err != nil {
		return "", err
	}

	c, err := d.dial()
	if err != nil {
		return "", err
	}
	defer c.Close()
	if err := c.Auth(sasl.NewPlainClient("", d.Username, d.Password)); err != nil {
		return "", fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(msg.From, nil); err != nil {
		return "", fmt.Errorf("smtp mail: %w", err)
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return "", fmt.Errorf("smtp rcpt %s: %w", msg.To, err)
	}
	wc, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := wc.Write(raw); err != nil {
		wc.Close()
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", err
	}
	if err := c.Quit(); err != nil {
		return "", err
	}
	return messageID, nil
}

func attach(mw *mail.Writer, path, name string) error {
	if name == "" {
		name = filepath.Base(path)
	}
	var ah mail.AttachmentHeader
	ah.SetFilename(name)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ah.SetContentType(contentType, nil)
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return err
	}
	defer aw.Close()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(aw, f)
	return err
}
