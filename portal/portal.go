// Package portal drives the two-step passcode challenge of the remittance portal and files the
// downloaded document.
package portal

import (
	"context"
	"errors"
	"time"

	"github.com/dhcgn/remittance-runner/model"
)

var (
	// ErrControlNotFound means the passcode request control never became ready.
	ErrControlNotFound = errors.New("passcode request control not found")
	// ErrDownload means the verify step did not produce a file transfer.
	ErrDownload = errors.New("download not received")
)

const (
	RequestButton = "#btn_send_otp"
	VerifyButton  = "#qwer"
	PasscodeInput = "input[aria-label='Verification passcode']"
)

// Browser hands out pages from one long-lived browsing context.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
}

// Page is a single tab. Every wait takes an explicit bound and fails with a timeout-shaped error.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	// ExpectDownload runs trigger and waits for the file transfer it starts.
	ExpectDownload(ctx context.Context, timeout time.Duration, trigger func(context.Context) error) (Download, error)
	Close() error
}

// Download is a completed file transfer that has not been stored yet.
type Download interface {
	SuggestedName() string
	SaveAs(path string) error
}

// Passcodes supplies the one-time code for a Job.
type Passcodes interface {
	Prepare(ctx context.Context, mailbox string) error
	Wait(ctx context.Context, job model.Job) (string, error)
}

// TextExtractor pulls raw text from a stored document.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

type Options struct {
	RequestButton   string
	VerifyButton    string
	PasscodeInput   string
	ReadyAttempts   int
	ReadyTimeout    time.Duration
	InputTimeout    time.Duration
	DownloadTimeout time.Duration
	// NavigateTimeout bounds opening and reloading the portal page.
	NavigateTimeout time.Duration
	// ActionTimeout bounds a single click or fill.
	ActionTimeout time.Duration
}

// DefaultOptions returns the fixed production selectors and bounds.
func DefaultOptions() Options {
	return Options{
		RequestButton:   RequestButton,
		VerifyButton:    VerifyButton,
		PasscodeInput:   PasscodeInput,
		ReadyAttempts:   4,
		ReadyTimeout:    20 * time.Second,
		InputTimeout:    15 * time.Second,
		DownloadTimeout: 60 * time.Second,
		NavigateTimeout: 30 * time.Second,
		ActionTimeout:   30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestButton == "" {
		o.RequestButton = d.RequestButton
	}
	if o.VerifyButton == "" {
		o.VerifyButton = d.VerifyButton
	}
	if o.PasscodeInput == "" {
		o.PasscodeInput = d.PasscodeInput
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = d.ReadyAttempts
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = d.ReadyTimeout
	}
	if o.InputTimeout <= 0 {
		o.InputTimeout = d.InputTimeout
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = d.DownloadTimeout
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = d.NavigateTimeout
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = d.ActionTimeout
	}
	return o
}
