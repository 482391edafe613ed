package model

// PasscodeSubjectPrefix is the subject fragment shared by every passcode notification.
const PasscodeSubjectPrefix = "One-time verification passcode"

// Job is one discovered transmission waiting to be downloaded. It is never mutated after discovery.
type Job struct {
	SourcePath     string
	SourceIndex    int
	Archived       bool
	Store          string
	DateKey        string
	TransmissionID string
	PortalURL      string
	Recipient      string
	Mailbox        string
}

// PasscodeSubject is the subject the portal uses for this transmission's passcode email.
func (j Job) PasscodeSubject() string {
	return PasscodeSubjectPrefix + " for " + j.TransmissionID
}
