package passcode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/remittance-runner/model"
)

// fakeSource serves a mailbox whose contents can change between polls.
type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	list  func(mailbox string, call int) []model.MailItem
	err   error
}

func (f *fakeSource) ListRecent(_ context.Context, mailbox string, limit int) ([]model.MailItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	call := f.calls[mailbox]
	f.calls[mailbox]++
	if f.err != nil {
		return nil, f.err
	}
	items := f.list(mailbox, call)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeSource) count(mailbox string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[mailbox]
}

func fastOptions() Options {
	return Options{Timeout: 500 * time.Millisecond, PollInterval: 5 * time.Millisecond}
}

func otp(id, tx, body string) model.MailItem {
	return model.MailItem{ID: id, Subject: model.PasscodeSubjectPrefix + " for " + tx, Body: body, ReceivedAt: time.Now()}
}

func TestWait_IgnoresSnapshotAndMatchesNewMessage(t *testing.T) {
	stale := otp("old", "TX-100", "Your passcode is 111111")
	fresh := otp("new", "TX-100", "Your passcode is 222222")
	source := &fakeSource{list: func(_ string, call int) []model.MailItem {
		if call < 3 {
			return []model.MailItem{stale}
		}
		return []model.MailItem{fresh, stale}
	}}

	c := New(source, fastOptions(), nil)
	code, err := c.Wait(context.Background(), model.Job{TransmissionID: "TX-100", Mailbox: "INBOX"})
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != "222222" {
		t.Errorf("code = %q, want 222222", code)
	}
}

func TestWait_ReinspectsMessageWithoutCode(t *testing.T) {
	source := &fakeSource{list: func(_ string, call int) []model.MailItem {
		switch {
		case call == 0:
			return nil
		case call < 4:
			return []model.MailItem{otp("m1", "TX-1", "Your passcode will follow")}
		default:
			return []model.MailItem{otp("m1", "TX-1", "Your passcode is 654321")}
		}
	}}

	c := New(source, fastOptions(), nil)
	code, err := c.Wait(context.Background(), model.Job{TransmissionID: "TX-1", Mailbox: "INBOX"})
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != "654321" {
		t.Errorf("code = %q, want 654321", code)
	}
}

func TestWait_TimesOutAfterCeiling(t *testing.T) {
	source := &fakeSource{list: func(string, int) []model.MailItem {
		return []model.MailItem{otp("other", "TX-999", "passcode is 000000")}
	}}
	opts := Options{Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}

	started := time.Now()
	_, err := New(source, opts, nil).Wait(context.Background(), model.Job{TransmissionID: "TX-1", Mailbox: "INBOX"})
	elapsed := time.Since(started)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if elapsed < opts.Timeout {
		t.Errorf("returned after %s, before the %s ceiling", elapsed, opts.Timeout)
	}
	if elapsed > opts.Timeout+2*time.Second {
		t.Errorf("returned after %s, far beyond the %s ceiling", elapsed, opts.Timeout)
	}
	if source.count("INBOX") < 3 {
		t.Errorf("polled %d times, want repeated polling", source.count("INBOX"))
	}
}

func TestWait_ConsumedMessageIsNotReused(t *testing.T) {
	source := &fakeSource{list: func(_ string, call int) []model.MailItem {
		if call == 0 {
			return nil
		}
		return []model.MailItem{otp("m1", "TX-1", "passcode is 123456")}
	}}
	c := New(source, Options{Timeout: 60 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil)
	job := model.Job{TransmissionID: "TX-1", Mailbox: "INBOX"}

	if _, err := c.Wait(context.Background(), job); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if _, err := c.Wait(context.Background(), job); !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Wait() error = %v, want ErrTimeout", err)
	}
}

func TestWait_MailboxesAreIndependent(t *testing.T) {
	shared := otp("same-id", "TX-2", "passcode is 777777")
	source := &fakeSource{list: func(mailbox string, call int) []model.MailItem {
		if mailbox == "A" {
			return []model.MailItem{shared}
		}
		if call == 0 {
			return nil
		}
		return []model.MailItem{shared}
	}}
	c := New(source, Options{Timeout: 80 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil)

	if _, err := c.Wait(context.Background(), model.Job{TransmissionID: "TX-2", Mailbox: "A"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("mailbox A: error = %v, want ErrTimeout for a snapshotted message", err)
	}
	code, err := c.Wait(context.Background(), model.Job{TransmissionID: "TX-2", Mailbox: "B"})
	if err != nil {
		t.Fatalf("mailbox B: Wait() error = %v", err)
	}
	if code != "777777" {
		t.Errorf("code = %q, want 777777", code)
	}
}

func TestWait_SubjectDoesNotMatchLongerTransmission(t *testing.T) {
	source := &fakeSource{list: func(_ string, call int) []model.MailItem {
		if call == 0 {
			return nil
		}
		return []model.MailItem{otp("m10", "TX-10", "passcode is 101010")}
	}}
	c := New(source, Options{Timeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil)

	if _, err := c.Wait(context.Background(), model.Job{TransmissionID: "TX-1", Mailbox: "INBOX"}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	source := &fakeSource{list: func(string, int) []model.MailItem { return nil }}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := New(source, Options{Timeout: time.Minute, PollInterval: 5 * time.Millisecond}, nil).
		Wait(ctx, model.Job{TransmissionID: "TX-1", Mailbox: "INBOX"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestPrepare_SnapshotIsBounded(t *testing.T) {
	var items []model.MailItem
	for i := 0; i < 30; i++ {
		items = append(items, otp(string(rune('a'+i)), "TX-X", "passcode is 000000"))
	}
	items = append(items, model.MailItem{ID: "unrelated", Subject: "Newsletter"})
	source := &fakeSource{list: func(string, int) []model.MailItem { return items }}

	c := New(source, Options{SnapshotLimit: 20, ListLimit: 50}, nil)
	if err := c.Prepare(context.Background(), "INBOX"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if got := len(c.known["INBOX"]); got != 20 {
		t.Errorf("snapshot size = %d, want 20", got)
	}
	if c.isKnown("INBOX", "unrelated") {
		t.Error("unrelated message must not enter the snapshot")
	}

	if err := c.Prepare(context.Background(), "INBOX"); err != nil {
		t.Fatalf("second Prepare() error = %v", err)
	}
	if source.count("INBOX") != 1 {
		t.Errorf("Prepare listed %d times, want 1", source.count("INBOX"))
	}
}

func TestPrepare_ListError(t *testing.T) {
	source := &fakeSource{err: errors.New("boom")}
	if err := New(source, fastOptions(), nil).Prepare(context.Background(), "INBOX"); err == nil {
		t.Fatal("expected snapshot error")
	}
}

func TestSubjectMatches(t *testing.T) {
	want := "One-time verification passcode for TX-1"
	tests := []struct {
		subject string
		ok      bool
	}{
		{"One-time verification passcode for TX-1", true},
		{"  RE: One-time verification passcode for TX-1 (resent)", true},
		{"One-time verification passcode for TX-10", false},
		{"One-time verification passcode for TX-10 / One-time verification passcode for TX-1", true},
		{"Something else", false},
	}
	for _, tt := range tests {
		if got := subjectMatches(tt.subject, want); got != tt.ok {
			t.Errorf("subjectMatches(%q) = %v, want %v", tt.subject, got, tt.ok)
		}
	}
}

// stalledSource never answers until the caller gives up.
type stalledSource struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (s *stalledSource) ListRecent(ctx context.Context, _ string, _ int) ([]model.MailItem, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return nil, nil
	}
}

func TestWait_StalledMailboxStillTimesOut(t *testing.T) {
	source := &stalledSource{release: make(chan struct{})}
	defer close(source.release)
	opts := Options{Timeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}

	started := time.Now()
	_, err := New(source, opts, nil).Wait(context.Background(), model.Job{TransmissionID: "TX-1", Mailbox: "INBOX"})
	elapsed := time.Since(started)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait() error = %v, want ErrTimeout", err)
	}
	if elapsed > opts.Timeout+2*time.Second {
		t.Fatalf("returned after %s with a %s ceiling", elapsed, opts.Timeout)
	}
}

func TestPrepare_StalledMailboxIsBounded(t *testing.T) {
	source := &stalledSource{release: make(chan struct{})}
	defer close(source.release)
	c := New(source, Options{Timeout: 50 * time.Millisecond}, nil)

	started := time.Now()
	err := c.Prepare(context.Background(), "INBOX")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Prepare() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("Prepare() returned after %s", elapsed)
	}
}
