// Package imap lists recent messages from the passcode mailbox over IMAP.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/remittance-runner/message"
	"github.com/dhcgn/remittance-runner/model"
)

var ErrClosed = errors.New("imap source is closed")

const logoutTimeout = 5 * time.Second

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Validate reports missing connection settings.
func (o Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	if o.Username == "" {
		return fmt.Errorf("imap username is empty")
	}
	return nil
}

// Source is a single read-only IMAP session shared by every mailbox lookup of a run. A command
// abandoned by its context drops the connection; the next lookup dials again.
type Source struct {
	ctx    context.Context
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	client      *imapclient.Client
	stopSession func() bool
	closed      bool
}

// Dial connects and logs in. ctx bounds the connection attempt and owns the session: when it
// ends, the connection is closed.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Source{ctx: ctx, opts: opts, logger: logger}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// connect dials and logs in within opCtx. Callers hold s.mu.
func (s *Source) connect(opCtx context.Context) error {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(opCtx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", address, err)
	}
	if s.opts.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(opCtx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("tls handshake %s: %w", address, err)
		}
		conn = tlsConn
	}

	client := imapclient.New(conn, &imapclient.Options{})
	stopLogin := context.AfterFunc(opCtx, func() {
		_ = client.Close()
	})
	err = client.Login(s.opts.Username, s.opts.Password).Wait()
	if !stopLogin() {
		_ = client.Close()
		return fmt.Errorf("imap login: %w", opCtx.Err())
	}
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("imap login failed: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)
	}

	s.client = client
	s.stopSession = context.AfterFunc(s.ctx, func() {
		_ = client.Close()
	})
	return nil
}

// drop closes the current connection without logging out. Callers hold s.mu.
func (s *Source) drop() {
	if s.client == nil {
		return
	}
	s.stopSession()
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection dropped", "err", err)
	}
	s.client = nil
	s.stopSession = nil
}

// ListRecent returns up to limit of the newest messages in mailbox, newest first. Bodies are
// fetched with PEEK so the mailbox's seen flags are left untouched. When ctx ends first the
// pending command is abandoned and ctx's error returned.
func (s *Source) ListRecent(ctx context.Context, mailbox string, limit int) ([]model.MailItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.client == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}

	client := s.client
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	items, err := s.list(client, mailbox, limit)
	if !stop() {
		s.drop()
		return nil, ctx.Err()
	}
	if err != nil {
		var respErr *imapv2.Error
		if !errors.As(err, &respErr) {
			s.drop()
		}
		return nil, err
	}
	return items, nil
}

func (s *Source) list(client *imapclient.Client, mailbox string, limit int) ([]model.MailItem, error) {
	selected, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}
	if selected.NumMessages == 0 || limit <= 0 {
		return nil, nil
	}

	start := uint32(1)
	if selected.NumMessages > uint32(limit) {
		start = selected.NumMessages - uint32(limit) + 1
	}
	var seqs imapv2.SeqSet
	seqs.AddRange(start, selected.NumMessages)

	section := &imapv2.FetchItemBodySection{Peek: true}
	msgs, err := client.Fetch(seqs, &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", mailbox, err)
	}

	items := make([]model.MailItem, 0, len(msgs))
	for _, msg := range msgs {
		item := model.MailItem{
			ID:         itemID(mailbox, selected.UIDValidity, msg.UID),
			ReceivedAt: msg.InternalDate,
		}
		if msg.Envelope != nil {
			item.Subject = msg.Envelope.Subject
		}
		if raw := msg.FindBodySection(section); raw != nil {
			parsed, err := message.Parse(raw)
			if err != nil && s.logger != nil {
				s.logger.Debug("imap message body not decoded", "mailbox", mailbox, "uid", msg.UID, "err", err)
			}
			item.Body = parsed.Combined()
			if item.Subject == "" {
				item.Subject = parsed.Subject
			}
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ReceivedAt.After(items[j].ReceivedAt)
	})
	return items, nil
}

// Close logs out and closes the connection. It is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client == nil {
		return nil
	}

	client := s.client
	s.stopSession()
	if s.ctx.Err() == nil {
		stopLogout := time.AfterFunc(logoutTimeout, func() {
			_ = client.Close()
		})
		if err := client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
		stopLogout.Stop()
	}
	if err := client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	s.client = nil
	s.stopSession = nil
	return nil
}

func itemID(mailbox string, uidValidity uint32, uid imapv2.UID) string {
	return strings.Join([]string{mailbox, strconv.FormatUint(uint64(uidValidity), 10), strconv.FormatUint(uint64(uid), 10)}, "/")
}
