package messaging

import "testing"

func TestEventSubject_RoundTrip(t *testing.T) {
	subject := EventSubject("task.created")
	if subject != "tasks.event.task.created" {
		t.Fatalf("unexpected subject: %q", subject)
	}
	if kind := EventKindFromSubject(subject); kind != "task.created" {
		t.Fatalf("unexpected kind: %q", kind)
	}
}

func TestEventKindFromSubject_OutsideNamespace(t *testing.T) {
	for _, subject := range []string{"tasks.cmd", "tasks.event.", "other.event.task.created", ""} {
		if kind := EventKindFromSubject(subject); kind != "" {
			t.Fatalf("subject %q: expected empty kind, got %q", subject, kind)
		}
	}
}

func TestSameStreamConfig(t *testing.T) {
	want := eventStreamConfig()

	got := *eventStreamConfig()
	if !sameStreamConfig(got, *want) {
		t.Fatal("identical configs reported as mismatched")
	}

	got.Subjects = []string{"other.>"}
	if sameStreamConfig(got, *want) {
		t.Fatal("diverging subjects reported as matching")
	}
}
