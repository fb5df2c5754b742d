// Package broadcast holds the broadcast document model and its Postgres store.
// A broadcast row is shared between the scheduler and workers; all writes are
// targeted field-level updates keyed by id so concurrent writers never clobber
// each other's unrelated fields.
package broadcast

import (
	"regexp"
	"time"
)

// Status is the upstream lifecycle reported by the catalog/provider.
type Status string

const (
	StatusNew      Status = "new"
	StatusUpcoming Status = "upcoming"
	StatusLive     Status = "live"
	StatusPast     Status = "past"
	StatusMissing  Status = "missing"
)

// CollectionStatus is the collection-job lifecycle, distinct from Status.
type CollectionStatus string

const (
	CollectionCreated   CollectionStatus = "created"
	CollectionStalled   CollectionStatus = "stalled"
	CollectionWarmingUp CollectionStatus = "warming_up"
	CollectionProgress  CollectionStatus = "progress"
	CollectionRetrying  CollectionStatus = "retrying"
	CollectionFinished  CollectionStatus = "finished"
	CollectionFailed    CollectionStatus = "failed"
)

// Stats are cumulative per-broadcast collection counters.
type Stats struct {
	Handled int64
	Errors  int64
}

type Broadcast struct {
	ID        string
	ChannelID string
	Title     string
	Topic     string
	Status    Status
	Duration  int

	Viewers    *int64
	MaxViewers *int64
	Likes      *int64

	PublishedAt    *time.Time
	AvailableAt    *time.Time
	ScheduledStart *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time

	CollectionStatus    CollectionStatus
	CollectionErrorCode string
	CollectionStartedAt *time.Time
	CollectionEndedAt   *time.Time
	CollectionCleanedAt *time.Time

	ReplicaCount int
	Stats        Stats

	CrawledAt *time.Time
}

type Channel struct {
	ID              string
	Name            string
	AvatarURL       string
	SubscriberCount int64
}

// IsLive reports whether the broadcast is in a live-like state (live or
// upcoming); only these are eligible for collection.
func (b *Broadcast) IsLive() bool {
	return b.Status == StatusUpcoming || b.Status == StatusLive
}

// Replicas returns the target number of collector instances: 0 when not
// live-like, otherwise at least 1.
func (b *Broadcast) Replicas() int {
	if !b.IsLive() {
		return 0
	}
	if b.ReplicaCount > 1 {
		return b.ReplicaCount
	}
	return 1
}

var freeChatPattern = regexp.MustCompile(`(?i)(?:free\s?chat|chat\s?room|schedule|チャットルーム|ふりーちゃっと|フリーチャット|雑談部屋)`)

// IsFreeChat reports whether the broadcast looks like an open-ended low-signal
// chat room (by title or topic). These can be excluded from admission by policy.
func (b *Broadcast) IsFreeChat() bool {
	return freeChatPattern.MatchString(b.Title) || b.Topic == "FreeChat"
}
