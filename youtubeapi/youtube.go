// Package youtubeapi wraps the YouTube Data API (API-key auth) to cross-check
// broadcast lifecycle state and pull viewer and like counts that the event
// stream itself does not report.
package youtubeapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	yt "google.golang.org/api/youtube/v3"
	"google.golang.org/api/option"

	"github.com/onnwee/chat-harvester/broadcast"
)

// maxIDsPerCall is the videos.list page limit.
const maxIDsPerCall = 50

type Service struct {
	svc *yt.Service
}

func New(ctx context.Context, apiKey string) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("youtube api key empty")
	}
	svc, err := yt.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Service{svc: svc}, nil
}

// VideoDetails is the subset of videos.list output the refresher applies.
type VideoDetails struct {
	ID             string
	Status         broadcast.Status
	Title          string
	ScheduledStart *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	Viewers        *int64
	Likes          *int64
}

// GetVideos fetches details for up to 50 video ids per API call. Ids the API
// does not return are deleted or private; they are simply absent from the
// result.
func (s *Service) GetVideos(ctx context.Context, ids []string) ([]VideoDetails, error) {
	var out []VideoDetails
	for len(ids) > 0 {
		page := ids
		if len(page) > maxIDsPerCall {
			page = ids[:maxIDsPerCall]
		}
		ids = ids[len(page):]

		resp, err := s.svc.Videos.List([]string{"snippet", "liveStreamingDetails", "statistics"}).
			Id(page...).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("videos.list: %w", err)
		}
		for _, item := range resp.Items {
			out = append(out, detailsFromItem(item))
		}
	}
	return out, nil
}

func detailsFromItem(item *yt.Video) VideoDetails {
	d := VideoDetails{ID: item.Id}
	if item.Snippet != nil {
		d.Title = item.Snippet.Title
		switch item.Snippet.LiveBroadcastContent {
		case "live":
			d.Status = broadcast.StatusLive
		case "upcoming":
			d.Status = broadcast.StatusUpcoming
		default:
			d.Status = broadcast.StatusPast
		}
	}
	if ls := item.LiveStreamingDetails; ls != nil {
		d.ScheduledStart = parseTime(ls.ScheduledStartTime)
		d.ActualStart = parseTime(ls.ActualStartTime)
		d.ActualEnd = parseTime(ls.ActualEndTime)
		if ls.ConcurrentViewers > 0 {
			v := int64(ls.ConcurrentViewers)
			d.Viewers = &v
		}
	}
	if st := item.Statistics; st != nil && st.LikeCount > 0 {
		likes := int64(st.LikeCount)
		d.Likes = &likes
	}
	return d
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// Refresher periodically reconciles live-like broadcast rows against the
// YouTube Data API, catching lifecycle transitions and counters between
// catalog crawls.
type Refresher struct {
	Service  *Service
	Store    *broadcast.Store
	Interval time.Duration
}

func (r *Refresher) Run(ctx context.Context) error {
	log := slog.With("component", "youtube_refresher")
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.refreshOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("refresh pass failed", "error", err)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	live, err := r.Store.ListLive(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}
	byID := make(map[string]*broadcast.Broadcast, len(live))
	ids := make([]string, 0, len(live))
	for i := range live {
		byID[live[i].ID] = &live[i]
		ids = append(ids, live[i].ID)
	}

	details, err := r.Service.GetVideos(ctx, ids)
	if err != nil {
		return err
	}
	for _, d := range details {
		b, ok := byID[d.ID]
		if !ok {
			continue
		}
		upd := *b
		upd.Status = d.Status
		if d.Title != "" {
			upd.Title = d.Title
		}
		if d.ScheduledStart != nil {
			upd.ScheduledStart = d.ScheduledStart
		}
		if d.ActualStart != nil {
			upd.ActualStart = d.ActualStart
		}
		if d.ActualEnd != nil {
			upd.ActualEnd = d.ActualEnd
		}
		if d.Viewers != nil {
			upd.Viewers = d.Viewers
		}
		if err := r.Store.UpsertFromCatalog(ctx, &upd); err != nil {
			return err
		}
		if d.Viewers != nil || d.Likes != nil {
			if err := r.Store.ApplyMetadata(ctx, b.ID, b.ChannelID, d.Viewers, d.Likes, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
