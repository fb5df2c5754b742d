// Package stream defines the event stream client contract: a lazy, resumable,
// cancelable sequence of chat action batches per broadcast, plus point-in-time
// metadata. Provider backends (Twitch IRC, fakes for tests) implement Client.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"context"
)

// Kind discriminates the closed set of action variants. Consumers switch
// exhaustively; anything a backend cannot classify is KindUnknown and carries
// its raw payload to the diagnostic sink instead of being dropped.
type Kind string

const (
	KindChat                   Kind = "chat"
	KindSuperChat              Kind = "superChat"
	KindSuperSticker           Kind = "superSticker"
	KindMembership             Kind = "membership"
	KindMilestone              Kind = "milestone"
	KindMembershipGift         Kind = "membershipGift"
	KindMembershipGiftPurchase Kind = "membershipGiftPurchase"
	KindBan                    Kind = "ban"
	KindRemoveChat             Kind = "removeChat"
	KindBanner                 Kind = "banner"
	KindModeChange             Kind = "modeChange"
	KindPoll                   Kind = "poll"
	KindRaid                   Kind = "raid"
	KindPlaceholder            Kind = "placeholder"
	KindUnknown                Kind = "unknown"
)

// Author identifies the user behind an action, with the provider's role flags.
type Author struct {
	Name        string
	Photo       string
	ChannelID   string
	Membership  string
	IsVerified  bool
	IsOwner     bool
	IsModerator bool
}

// PollChoice is one option of a poll action.
type PollChoice struct {
	Text      string  `json:"text"`
	VoteRatio float64 `json:"voteRatio,omitempty"`
}

// Action is one discrete chat event. Kind selects which of the variant fields
// are meaningful; everything else is zero.
type Action struct {
	Kind      Kind
	ID        string
	Timestamp time.Time
	Author    Author

	// chat, superChat, milestone, banner
	Message string

	// superChat, superSticker
	Amount       float64
	Currency     string
	Significance int
	Color        string

	// superSticker
	StickerText string
	StickerURL  string

	// membership, milestone
	Level          string
	Since          string
	DurationMonths int

	// membershipGift, membershipGiftPurchase
	SenderName string
	GiftCount  int

	// ban
	TargetChannelID string

	// removeChat
	TargetID  string
	Retracted bool

	// banner
	Title string

	// modeChange
	Mode        string
	Enabled     bool
	Description string

	// poll
	Question  string
	PollType  string
	VoteCount int64
	Choices   []PollChoice

	// raid
	SourceName    string
	SourcePhoto   string
	TargetVideoID string
	TargetPhoto   string
	Outgoing      bool

	// unknown
	Raw json.RawMessage
}

// Metadata is a best-effort point-in-time snapshot; nil fields were not
// reported by the provider.
type Metadata struct {
	Viewers     *int64
	Likes       *int64
	Subscribers *int64
}

// Session is one open event stream for a broadcast. Next blocks until the next
// batch of actions arrives (in receipt order), the stream ends (io.EOF), the
// context is cancelled, or the provider reports a typed failure.
type Session interface {
	Next(ctx context.Context) ([]Action, error)
	FetchMetadata(ctx context.Context) (Metadata, error)
	Close() error
}

// Client opens sessions scoped to a broadcast.
type Client interface {
	Open(ctx context.Context, videoID, channelID string) (Session, error)
}

// ErrorCode enumerates the typed stream failures the worker maps to outcomes.
type ErrorCode string

const (
	CodeMembersOnly ErrorCode = "membersOnly"
	CodeDenied      ErrorCode = "denied"
	CodeDisabled    ErrorCode = "disabled"
	CodeUnavailable ErrorCode = "unavailable"
	CodePrivate     ErrorCode = "private"
)

// Error is a typed stream failure.
type Error struct {
	Code   ErrorCode
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream error: %s", e.Code)
	}
	return fmt.Sprintf("stream error: %s: %s", e.Code, e.Reason)
}

// NewError builds a typed stream failure.
func NewError(code ErrorCode, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// CodeOf extracts the typed failure code from err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}
