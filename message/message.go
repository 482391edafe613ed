// Package message reads placeholder notifications from .eml files and .mbox archives and
// decodes their text and HTML bodies.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/remittance-runner/model"
)

const (
	ExtEML  = ".eml"
	ExtMbox = ".mbox"
)

var ErrUnsupported = errors.New("unsupported message file")

// Supported reports whether path has an extension the reader understands.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtEML, ExtMbox:
		return true
	}
	return false
}

// Read returns every message stored in path. An .eml file yields one envelope; an .mbox
// archive yields one per contained message, each carrying its own decode error.
func Read(path string) ([]model.Envelope, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtEML:
		msg, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		return []model.Envelope{{Message: msg}}, nil
	case ExtMbox:
		return ReadArchive(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
}

// ReadFile parses a single RFC 5322 message file.
func ReadFile(path string) (model.SourceMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.SourceMessage{}, fmt.Errorf("read message: %w", err)
	}
	msg, err := Parse(raw)
	if err != nil {
		return model.SourceMessage{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	msg.Path = path
	return msg, nil
}

// ReadArchive parses every message of an mbox archive.
func ReadArchive(path string) ([]model.Envelope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	var envelopes []model.Envelope
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return envelopes, nil
			}
			return envelopes, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			envelopes = append(envelopes, model.Envelope{Err: fmt.Errorf("message %d read: %w", idx, err)})
			continue
		}

		msg, err := Parse(raw)
		if err != nil {
			envelopes = append(envelopes, model.Envelope{Err: fmt.Errorf("message %d parse: %w", idx, err)})
			continue
		}
		msg.Path = path
		msg.Index = idx
		envelopes = append(envelopes, model.Envelope{Message: msg})
	}
}

// Parse decodes headers and the text/plain and text/html parts of a raw message.
// Attachments are ignored.
func Parse(raw []byte) (model.SourceMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return model.SourceMessage{}, err
	}
	if mr == nil {
		return model.SourceMessage{}, fmt.Errorf("empty message")
	}
	defer mr.Close()

	var msg model.SourceMessage
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = strings.TrimSpace(mr.Header.Get("From"))
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			msg.To = append(msg.To, addr.Address)
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}

	var text, html []string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (part == nil || !gomessage.IsUnknownCharset(err)) {
			return msg, fmt.Errorf("read part: %w", err)
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return msg, fmt.Errorf("read %s body: %w", contentType, err)
		}
		switch contentType {
		case "text/html":
			html = append(html, string(body))
		case "text/plain", "":
			text = append(text, string(body))
		}
	}

	msg.Text = strings.Join(text, "\n")
	msg.HTML = strings.Join(html, "\n")
	return msg, nil
}
