// Package mail holds the transport collaborators: an SMTP dispatcher for
// outbound campaign mail and an IMAP receiver for polling replies.
package mail

import "context"

// Outgoing is one templated campaign email to one recipient.
type Outgoing struct {
	From           string
	To             string
	Subject        string
	Body           string
	AttachmentPath string
	AttachmentName string
}

// Dispatcher sends one message per call and returns the generated
// Message-ID.
type Dispatcher interface {
	Send(ctx context.Context, msg Outgoing) (string, error)
}

// Inbound is one message pulled from the coordinator's mailbox. When the
// message carried a spreadsheet attachment, it has been downloaded to
// AttachmentPath already.
type Inbound struct {
	Sender         string
	Subject        string
	Date           string
	MessageID      string
	AttachmentPath string
	AttachmentName string
}

// Account is the mailbox credential pair used for polling.
type Account struct {
	Address  string
	AuthCode string
}

// Receiver fetches messages received at or after since.
type Receiver interface {
	Fetch(ctx context.Context, account Account, since string) ([]Inbound, error)
}
