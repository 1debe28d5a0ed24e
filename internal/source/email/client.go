package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/source"
)

// Mailbox is what the adapter needs from a mail store: list the unread
// messages and mark one as read. The read flag is the delivery cursor, so
// MarkRead must only be called after a message has been processed.
type Mailbox interface {
	FetchUnread(ctx context.Context) ([]Message, error)
	MarkRead(ctx context.Context, uid uint32) error
}

// IMAPMailbox implements Mailbox over IMAP. Each operation dials a fresh
// connection; polling is infrequent enough that holding one open buys
// nothing and costs reconnect handling.
type IMAPMailbox struct {
	host     string
	port     string
	username string
	password string
	mailbox  string
	tls      bool
}

// NewIMAPMailbox creates a mailbox from the email configuration.
func NewIMAPMailbox(cfg model.EmailConfig) *IMAPMailbox {
	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPMailbox{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		mailbox:  mailbox,
		tls:      cfg.TLS,
	}
}

// connect dials, authenticates, and selects the configured mailbox. The
// caller must Logout the returned client.
func (m *IMAPMailbox) connect(_ context.Context) (*imapclient.Client, error) {
	addr := m.host + ":" + m.port

	var client *imapclient.Client
	var err error
	if m.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &source.TransportError{
			Source: model.SourceEmail,
			Op:     "connecting to " + addr,
			Err:    err,
		}
	}

	if err := client.Login(m.username, m.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.TransportError{
			Source: model.SourceEmail,
			Op:     "authenticating " + m.username,
			Err:    err,
		}
	}

	if _, err := client.Select(m.mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.TransportError{
			Source: model.SourceEmail,
			Op:     "selecting " + m.mailbox,
			Err:    err,
		}
	}

	return client, nil
}

// FetchUnread returns every message in the mailbox without the \Seen flag,
// bodies included, without setting any flags (bodies are fetched with Peek).
func (m *IMAPMailbox) FetchUnread(ctx context.Context) ([]Message, error) {
	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &source.TransportError{
			Source: model.SourceEmail,
			Op:     "searching unread",
			Err:    err,
		}
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var messages []Message
	for {
		raw := fetchCmd.Next()
		if raw == nil {
			break
		}
		buf, err := raw.Collect()
		if err != nil {
			continue
		}
		messages = append(messages, messageFromBuffer(buf, bodySection))
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, &source.TransportError{
			Source: model.SourceEmail,
			Op:     "fetching messages",
			Err:    err,
		}
	}

	return messages, nil
}

// MarkRead sets the \Seen flag on one message, acknowledging its delivery.
func (m *IMAPMailbox) MarkRead(ctx context.Context, uid uint32) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return &source.TransportError{
			Source: model.SourceEmail,
			Op:     fmt.Sprintf("marking uid %d read", uid),
			Err:    err,
		}
	}
	return nil
}

// messageFromBuffer reduces a fetched message to the adapter's Message.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) Message {
	msg := Message{UID: uint32(buf.UID)}

	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		msg.ReceivedAt = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				msg.From = from.Name
			} else {
				msg.From = from.Addr()
			}
		}
	}

	if raw := buf.FindBodySection(section); raw != nil {
		msg.Body = extractTextBody(raw)
	}

	return msg
}

// extractTextBody parses a raw RFC 2822 message and returns its text/plain
// part, falling back to text/html, then to the raw bytes.
func extractTextBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			return string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}

	return htmlBody
}
