package broadcast

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"tagbot/pkg/channel"
	"tagbot/pkg/fault"
)

type fakeRoster struct {
	roster channel.Roster
	err    error
	calls  int
}

func (f *fakeRoster) FetchRoster(context.Context, string) (channel.Roster, error) {
	f.calls++
	return f.roster, f.err
}

type sentText struct {
	chatID string
	text   string
	opts   channel.SendOptions
}

type fakeSender struct {
	sent []sentText
	err  error
}

func (f *fakeSender) SendText(_ context.Context, chatID string, text string, opts channel.SendOptions) error {
	f.sent = append(f.sent, sentText{chatID: chatID, text: text, opts: opts})
	return f.err
}

const groupID = "120363025@g.us"

func sampleRoster() channel.Roster {
	return channel.Roster{
		{ID: "628111@s.whatsapp.net", Role: channel.RoleOwner},
		{ID: "628222@s.whatsapp.net", Role: channel.RoleMember},
		{ID: "628333@s.whatsapp.net", Role: channel.RoleAdmin},
		{ID: "628444@s.whatsapp.net", Role: channel.RoleMember},
	}
}

func TestComposeFillerMatchesRoster(t *testing.T) {
	t.Parallel()

	for size := 0; size <= 5; size++ {
		roster := sampleRoster()
		for len(roster) < size {
			roster = append(roster, channel.Member{ID: "x", Role: channel.RoleMember})
		}
		roster = roster[:size]

		out := Compose("  Rapat jam 9  ", roster)
		if got := strings.Count(out.Text, Filler); got != size {
			t.Fatalf("filler count = %d, want %d", got, size)
		}
		if !strings.HasPrefix(out.Text, "Rapat jam 9\n") {
			t.Fatalf("text = %q, want trimmed header first", out.Text)
		}
		if !slices.Equal(out.Mentions, roster.IDs()) {
			t.Fatalf("mentions = %v, want %v", out.Mentions, roster.IDs())
		}
	}
}

func TestComposeDefaultText(t *testing.T) {
	t.Parallel()

	out := Compose(" \n ", sampleRoster())
	want := DefaultText + "\n" + strings.Repeat(Filler, 4)
	if out.Text != want {
		t.Fatalf("text = %q, want %q", out.Text, want)
	}
}

func TestTagAllSendsToEveryMember(t *testing.T) {
	t.Parallel()

	roster := &fakeRoster{roster: sampleRoster()}
	sender := &fakeSender{}
	b := New(roster, sender, nil)

	out, err := b.TagAll(context.Background(), groupID, "628333@s.whatsapp.net", "halo", channel.SendOptions{QuotedID: "MSG1"})
	if err != nil {
		t.Fatalf("TagAll error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}

	sent := sender.sent[0]
	if sent.chatID != groupID || sent.text != out.Text {
		t.Fatalf("sent = %+v, want composed text to %s", sent, groupID)
	}
	if !slices.Equal(sent.opts.Mentions, sampleRoster().IDs()) {
		t.Fatalf("mentions = %v, want roster order", sent.opts.Mentions)
	}
	if sent.opts.QuotedID != "MSG1" {
		t.Fatalf("quoted id = %q, want MSG1", sent.opts.QuotedID)
	}
}

func TestTagAllOwnerIsAuthorized(t *testing.T) {
	t.Parallel()

	b := New(&fakeRoster{roster: sampleRoster()}, &fakeSender{}, nil)
	if _, err := b.TagAll(context.Background(), groupID, "628111@s.whatsapp.net", "", channel.SendOptions{}); err != nil {
		t.Fatalf("TagAll error: %v", err)
	}
}

func TestTagAllRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		chatID    string
		senderID  string
		roster    *fakeRoster
		wantCat   string
		wantFetch int
	}{
		{name: "direct chat", chatID: "628111@s.whatsapp.net", senderID: "628111@s.whatsapp.net", roster: &fakeRoster{roster: sampleRoster()}, wantCat: fault.NotAGroup, wantFetch: 0},
		{name: "member sender", chatID: groupID, senderID: "628222@s.whatsapp.net", roster: &fakeRoster{roster: sampleRoster()}, wantCat: fault.NotAuthorized, wantFetch: 1},
		{name: "unknown sender", chatID: groupID, senderID: "629999@s.whatsapp.net", roster: &fakeRoster{roster: sampleRoster()}, wantCat: fault.NotAuthorized, wantFetch: 1},
		{name: "empty roster", chatID: groupID, senderID: "628111@s.whatsapp.net", roster: &fakeRoster{}, wantCat: fault.EmptyRoster, wantFetch: 1},
		{name: "roster error", chatID: groupID, senderID: "628111@s.whatsapp.net", roster: &fakeRoster{err: errors.New("not a participant")}, wantCat: fault.RosterUnavailable, wantFetch: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sender := &fakeSender{}
			_, err := New(tc.roster, sender, nil).TagAll(context.Background(), tc.chatID, tc.senderID, "hi", channel.SendOptions{})
			if got := fault.CategoryOf(err); got != tc.wantCat {
				t.Fatalf("category = %q, want %q (err=%v)", got, tc.wantCat, err)
			}
			if tc.roster.calls != tc.wantFetch {
				t.Fatalf("roster fetches = %d, want %d", tc.roster.calls, tc.wantFetch)
			}
			if len(sender.sent) != 0 {
				t.Fatal("expected no broadcast to be sent")
			}
		})
	}
}

func TestTagAllSendFailure(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{err: errors.New("socket closed")}
	_, err := New(&fakeRoster{roster: sampleRoster()}, sender, nil).TagAll(context.Background(), groupID, "628111@s.whatsapp.net", "", channel.SendOptions{})
	if fault.CategoryOf(err) != fault.SendFailed {
		t.Fatalf("category = %q, want %q", fault.CategoryOf(err), fault.SendFailed)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("send attempts = %d, want exactly 1", len(sender.sent))
	}
}
