package stream

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// TwitchClient opens IRC-backed sessions. The channelID passed to Open is the
// Twitch channel login name; videoID tags the persisted actions.
type TwitchClient struct {
	Username   string
	OAuthToken string
}

// Open connects to Twitch IRC and joins the broadcast's channel. The returned
// session yields actions as they arrive until Close or context cancellation.
func (c *TwitchClient) Open(ctx context.Context, videoID, channelID string) (Session, error) {
	if c.Username == "" || c.OAuthToken == "" {
		return nil, NewError(CodeDenied, "missing twitch credentials")
	}
	s := &twitchSession{
		videoID:   videoID,
		channelID: channelID,
		actions:   make(chan Action, 1024),
		done:      make(chan struct{}),
	}
	client := twitch.NewClient(c.Username, c.OAuthToken)
	s.client = client

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		s.push(Action{
			Kind:      KindChat,
			ID:        msg.ID,
			Timestamp: msg.Time,
			Message:   msg.Message,
			Author:    authorFromUser(msg.User),
		})
	})
	client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		if msg.TargetUserID == "" {
			// Full chat clear, not a user ban.
			return
		}
		s.push(Action{
			Kind:            KindBan,
			Timestamp:       time.Now().UTC(),
			TargetChannelID: msg.TargetUserID,
		})
	})
	client.OnClearMessage(func(msg twitch.ClearMessage) {
		s.push(Action{
			Kind:      KindRemoveChat,
			Timestamp: time.Now().UTC(),
			TargetID:  msg.TargetMsgID,
		})
	})
	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		s.push(actionFromUserNotice(msg))
	})
	client.OnRoomStateMessage(func(msg twitch.RoomStateMessage) {
		now := time.Now().UTC()
		for mode, value := range msg.State {
			s.push(Action{
				Kind:        KindModeChange,
				Timestamp:   now,
				Mode:        mode,
				Enabled:     value != 0,
				Description: fmt.Sprintf("%s=%d", mode, value),
			})
		}
	})

	client.Join(channelID)
	go func() {
		err := client.Connect()
		s.finish(err)
	}()
	return s, nil
}

type twitchSession struct {
	videoID   string
	channelID string
	client    *twitch.Client
	actions   chan Action

	mu      sync.Mutex
	connErr error
	done    chan struct{}
	closed  bool
}

func (s *twitchSession) push(a Action) {
	select {
	case s.actions <- a:
	default:
		// Buffer full: drop rather than block the IRC read loop. The duplicate
		// tolerance downstream makes occasional loss under extreme bursts the
		// lesser evil versus a wedged connection.
	}
}

func (s *twitchSession) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.connErr = err
	close(s.done)
}

// Next drains whatever has arrived, blocking for at least one action. Batches
// preserve receipt order. Actions buffered at disconnect time are delivered
// before the connection result.
func (s *twitchSession) Next(ctx context.Context) ([]Action, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first := <-s.actions:
		return s.batchFrom(first), nil
	case <-s.done:
		select {
		case first := <-s.actions:
			return s.batchFrom(first), nil
		default:
		}
		s.mu.Lock()
		err := s.connErr
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("twitch connection: %w", err)
		}
		return nil, io.EOF
	}
}

func (s *twitchSession) batchFrom(first Action) []Action {
	batch := []Action{first}
	for len(batch) < 256 {
		select {
		case a := <-s.actions:
			batch = append(batch, a)
		default:
			return batch
		}
	}
	return batch
}

// FetchMetadata is a no-op for the IRC backend: viewer and subscriber counts
// are not carried on the chat connection. Callers treat empty metadata as
// "nothing to record".
func (s *twitchSession) FetchMetadata(ctx context.Context) (Metadata, error) {
	return Metadata{}, nil
}

func (s *twitchSession) Close() error {
	err := s.client.Disconnect()
	s.finish(nil)
	return err
}

func authorFromUser(u twitch.User) Author {
	_, isMod := u.Badges["moderator"]
	_, isOwner := u.Badges["broadcaster"]
	_, isVerified := u.Badges["partner"]
	membership := ""
	if months, ok := u.Badges["subscriber"]; ok {
		membership = strconv.Itoa(months)
	}
	return Author{
		Name:        u.Name,
		ChannelID:   u.ID,
		Membership:  membership,
		IsVerified:  isVerified,
		IsOwner:     isOwner,
		IsModerator: isMod,
	}
}

func actionFromUserNotice(msg twitch.UserNoticeMessage) Action {
	author := authorFromUser(msg.User)
	base := Action{
		ID:        msg.ID,
		Timestamp: msg.Time,
		Author:    author,
		Message:   msg.Message,
	}
	switch msg.MsgID {
	case "sub":
		base.Kind = KindMembership
		base.Level = msg.MsgParams["msg-param-sub-plan"]
	case "resub":
		base.Kind = KindMilestone
		base.Level = msg.MsgParams["msg-param-sub-plan"]
		if months, err := strconv.Atoi(msg.MsgParams["msg-param-cumulative-months"]); err == nil {
			base.DurationMonths = months
		}
	case "subgift":
		base.Kind = KindMembershipGift
		base.SenderName = msg.User.Name
		base.Author.Name = msg.MsgParams["msg-param-recipient-display-name"]
		base.Author.ChannelID = msg.MsgParams["msg-param-recipient-id"]
	case "submysterygift":
		base.Kind = KindMembershipGiftPurchase
		if n, err := strconv.Atoi(msg.MsgParams["msg-param-mass-gift-count"]); err == nil {
			base.GiftCount = n
		}
	case "raid":
		base.Kind = KindRaid
		base.SourceName = msg.MsgParams["msg-param-displayName"]
		if base.SourceName == "" {
			base.SourceName = msg.User.Name
		}
	default:
		base.Kind = KindUnknown
		base.Raw = rawUserNotice(msg)
	}
	return base
}

func rawUserNotice(msg twitch.UserNoticeMessage) []byte {
	// Preserve enough to debug unrecognized notice types.
	return []byte(fmt.Sprintf(`{"msgId":%q,"systemMsg":%q}`, msg.MsgID, msg.SystemMsg))
}
