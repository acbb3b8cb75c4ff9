package systemd

import "testing"

func TestNotifierMessages(t *testing.T) {
	var got []string
	n := Notifier{send: func(_ bool, state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}}

	if !n.Ready("2 subjects") {
		t.Fatalf("Ready should report sent")
	}
	n.Status("cycle done")
	n.Stopping()

	want := []string{"READY=1\nSTATUS=2 subjects", "STATUS=cycle done", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	var n Notifier
	if n.Ready("") {
		t.Fatalf("expected no-op outside systemd")
	}
}
