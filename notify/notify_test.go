package notify

import (
	"os"
	"testing"
)

type recorder struct {
	exists, recent int
	calls          int
}

func (r *recorder) NewMessages(exists, recent int) {
	r.exists, r.recent = exists, recent
	r.calls++
}

func TestNotifyFiresRegisteredListeners(t *testing.T) {
	reg := NewRegistry()
	l := &recorder{}
	reg.Add("INBOX", l)

	reg.Notify("INBOX", 3, 1)
	if l.calls != 1 || l.exists != 3 || l.recent != 1 {
		t.Fatalf("listener = %+v, want one call with (3, 1)", l)
	}

	reg.Notify("Work", 9, 9)
	if l.calls != 1 {
		t.Fatal("listener for INBOX received a Work notification")
	}
}

func TestRemoveIsSilentNoOp(t *testing.T) {
	reg := NewRegistry()
	l := &recorder{}
	reg.Remove("INBOX", l) // never added

	reg.Add("INBOX", l)
	reg.Remove("INBOX", l)
	reg.Notify("INBOX", 1, 0)
	if l.calls != 0 {
		t.Fatal("removed listener still notified")
	}
}

func TestSkipNotifySuppresses(t *testing.T) {
	os.Setenv("LEAP_SKIPNOTIFY", "1")
	defer os.Unsetenv("LEAP_SKIPNOTIFY")

	reg := NewRegistry()
	l := &recorder{}
	reg.Add("INBOX", l)
	reg.Notify("INBOX", 1, 1)
	if l.calls != 0 {
		t.Fatal("LEAP_SKIPNOTIFY set but listener was notified")
	}
}
