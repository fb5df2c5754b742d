package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

func TestNextDrainsBufferAfterDisconnect(t *testing.T) {
	s := &twitchSession{
		actions: make(chan Action, 8),
		done:    make(chan struct{}),
	}
	s.actions <- Action{Kind: KindChat, ID: "m1"}
	s.actions <- Action{Kind: KindChat, ID: "m2"}
	s.finish(nil)

	batch, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v, want buffered actions before EOF", err)
	}
	if len(batch) != 2 || batch[0].ID != "m1" || batch[1].ID != "m2" {
		t.Fatalf("batch = %+v, want the two buffered actions in order", batch)
	}

	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() after drain = %v, want io.EOF", err)
	}
}

func TestAuthorFromUser(t *testing.T) {
	u := twitch.User{
		ID:   "u1",
		Name: "mod_user",
		Badges: map[string]int{
			"moderator":  1,
			"subscriber": 12,
		},
	}
	a := authorFromUser(u)
	if !a.IsModerator || a.IsOwner || a.IsVerified {
		t.Errorf("role flags = %+v", a)
	}
	if a.Membership != "12" {
		t.Errorf("membership = %q, want months string", a.Membership)
	}
	if a.ChannelID != "u1" || a.Name != "mod_user" {
		t.Errorf("identity = %+v", a)
	}
}

func TestActionFromUserNotice(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		msg  twitch.UserNoticeMessage
		want Kind
	}{
		{"sub", twitch.UserNoticeMessage{MsgID: "sub", MsgParams: map[string]string{"msg-param-sub-plan": "1000"}}, KindMembership},
		{"resub", twitch.UserNoticeMessage{MsgID: "resub", MsgParams: map[string]string{"msg-param-cumulative-months": "7"}}, KindMilestone},
		{"subgift", twitch.UserNoticeMessage{MsgID: "subgift", MsgParams: map[string]string{
			"msg-param-recipient-display-name": "lucky",
			"msg-param-recipient-id":           "u9",
		}}, KindMembershipGift},
		{"mystery", twitch.UserNoticeMessage{MsgID: "submysterygift", MsgParams: map[string]string{"msg-param-mass-gift-count": "20"}}, KindMembershipGiftPurchase},
		{"raid", twitch.UserNoticeMessage{MsgID: "raid", MsgParams: map[string]string{"msg-param-displayName": "Raider"}}, KindRaid},
		{"unrecognized", twitch.UserNoticeMessage{MsgID: "announcement", SystemMsg: "says hi", MsgParams: map[string]string{}}, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.msg.Time = now
			got := actionFromUserNotice(tc.msg)
			if got.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", got.Kind, tc.want)
			}
			switch tc.want {
			case KindMilestone:
				if got.DurationMonths != 7 {
					t.Errorf("months = %d", got.DurationMonths)
				}
			case KindMembershipGift:
				if got.Author.Name != "lucky" || got.Author.ChannelID != "u9" {
					t.Errorf("gift recipient = %+v", got.Author)
				}
			case KindMembershipGiftPurchase:
				if got.GiftCount != 20 {
					t.Errorf("gift count = %d", got.GiftCount)
				}
			case KindRaid:
				if got.SourceName != "Raider" {
					t.Errorf("source = %q", got.SourceName)
				}
			case KindUnknown:
				if len(got.Raw) == 0 {
					t.Error("unknown notice should carry its raw payload")
				}
			}
		})
	}
}

func TestTypedErrors(t *testing.T) {
	err := NewError(CodeMembersOnly, "join required")
	code, ok := CodeOf(err)
	if !ok || code != CodeMembersOnly {
		t.Errorf("CodeOf = %s, %v", code, ok)
	}

	wrapped := errors.Join(errors.New("outer"), err)
	code, ok = CodeOf(wrapped)
	if !ok || code != CodeMembersOnly {
		t.Errorf("CodeOf wrapped = %s, %v", code, ok)
	}

	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("plain error should not carry a code")
	}
}

func TestOpenRequiresCredentials(t *testing.T) {
	c := &TwitchClient{}
	_, err := c.Open(t.Context(), "vid1", "channel")
	code, ok := CodeOf(err)
	if !ok || code != CodeDenied {
		t.Errorf("open without creds = %v", err)
	}
}
