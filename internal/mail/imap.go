package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// IMAPReceiver polls one mailbox over IMAP. Each Fetch opens a fresh
// connection, searches since the given watermark and downloads the first
// spreadsheet attachment of every hit to AttachmentDir.
type IMAPReceiver struct {
	Host        string
	Port        int
	Mailbox     string
	DialTimeout time.Duration
	// AttachmentDir receives downloaded attachments; one subdirectory per
	// message.
	AttachmentDir string
	// IsAttachment decides which attachment file names to download.
	IsAttachment func(name string) bool
}

func (r *IMAPReceiver) connect(account Account) (*imapclient.Client, error) {
	timeout := r.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", r.Host, r.Port)
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, &tls.Config{ServerName: r.Host})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	client := imapclient.New(conn, nil)
	if err := client.Login(account.Address, account.AuthCode).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("imap login %s: %w", account.Address, err)
	}
	return client, nil
}

// Fetch returns messages received at or after since (RFC3339, empty means
// everything). Messages without a matching attachment are still returned so
// the resolver can retain them.
func (r *IMAPReceiver) Fetch(ctx context.Context, account Account, since string) ([]Inbound, error) {
	client, err := r.connect(account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	mailbox := r.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}

	criteria := &imap.SearchCriteria{}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, fmt.Errorf("invalid since watermark %q: %w", since, err)
		}
		criteria.Since = t
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var res []Inbound
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		in := Inbound{}
		if env := buf.Envelope; env != nil {
			in.Subject = env.Subject
			in.MessageID = env.MessageID
			if !env.Date.IsZero() {
				in.Date = env.Date.UTC().Format(time.RFC3339)
			}
			if len(env.From) > 0 {
				in.Sender = env.From[0].Addr()
			}
		}
		if raw := buf.FindBodySection(bodySection); raw != nil {
			name, path, err := r.saveFirstAttachment(raw)
			if err == nil {
				in.AttachmentName = name
				in.AttachmentPath = path
			}
		}
		res = append(res, in)
	}
	if err := fetchCmd.Close(); err != nil {
		return res, fmt.Errorf("fetch messages: %w", err)
	}
	return res, nil
}

// saveFirstAttachment walks the MIME parts and writes the first matching
// attachment to a temp location under AttachmentDir.
func (r *IMAPReceiver) saveFirstAttachment(raw []byte) (string, string, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse message: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", err
		}
		h, ok := part.Header.(*gomail.AttachmentHeader)
		if !ok {
			continue
		}
		name, _ := h.Filename()
		if name == "" {
			continue
		}
		if r.IsAttachment != nil && !r.IsAttachment(name) {
			continue
		}
		dir := filepath.Join(r.AttachmentDir, uuid.NewString())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", err
		}
		path := filepath.Join(dir, filepath.Base(name))
		f, err := os.Create(path)
		if err != nil {
			return "", "", err
		}
		if _, err := io.Copy(f, part.Body); err != nil {
			f.Close()
			return "", "", err
		}
		if err := f.Close(); err != nil {
			return "", "", err
		}
		return name, path, nil
	}
	return "", "", nil
}
