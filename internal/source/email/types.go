package email

import "time"

// Message is one unread mail pulled from the mailbox, reduced to the fields
// the pipeline cares about. UID is the acknowledgment handle.
type Message struct {
	UID        uint32
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}
