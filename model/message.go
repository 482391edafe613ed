package model

import "time"

// SourceMessage is a placeholder notification read from the dated work area.
type SourceMessage struct {
	Path    string
	Index   int
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Combined returns the plain and HTML bodies joined for pattern matching.
func (m SourceMessage) Combined() string {
	switch {
	case m.Text == "":
		return m.HTML
	case m.HTML == "":
		return m.Text
	}
	return m.Text + "\n" + m.HTML
}

// MailItem is a single message listed from a mailbox, as seen by the passcode correlator.
type MailItem struct {
	ID         string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Metadata holds the fields pulled out of a downloaded document. Both are optional.
type Metadata struct {
	Reference string
	Amount    string
}
