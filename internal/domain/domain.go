package domain

import (
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the canonical layout for update timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// RatingRestricted marks a series served from the restricted endpoints.
const RatingRestricted = 1

type Series struct {
	Code            string
	Title           string
	Author          string
	Synopsis        string
	Keywords        string
	Genre           string
	Rating          int
	HeldCount       int
	AdvertisedCount int
	LastUpdated     string
	UpdatedAt       time.Time
}

// Restricted reports whether the series belongs to the restricted content class.
func (s Series) Restricted() bool {
	return s.Rating == RatingRestricted
}

type Episode struct {
	Code      string
	No        string
	Title     string
	Body      string
	FetchedAt time.Time
	Read      bool
	Bookmark  bool
	Progress  float64
}

// Number returns the numeric episode number, or 0 when it does not parse.
func (e Episode) Number() int {
	n, err := strconv.Atoi(strings.TrimSpace(e.No))
	if err != nil {
		return 0
	}
	return n
}

// Incomplete reports whether the stored episode came from a failed fetch.
func (e Episode) Incomplete() bool {
	return strings.TrimSpace(e.Body) == "" || strings.TrimSpace(e.Title) == ""
}

type ReadingPosition struct {
	Code      string
	EpisodeNo int
	ReadAt    time.Time
}

type PendingUpdate struct {
	Code            string
	HeldCount       int
	AdvertisedCount int
	DetectedAt      time.Time
}

type Phase string

const (
	PhasePreparing        Phase = "preparing"
	PhaseChecking         Phase = "checking"
	PhaseSyncingSeries    Phase = "syncing-series"
	PhaseSyncingEpisodes  Phase = "syncing-episodes"
	PhaseSyncingPositions Phase = "syncing-positions"
	PhaseFetching         Phase = "fetching"
	PhaseCompleted        Phase = "completed"
	PhaseCancelled        Phase = "cancelled"
	PhaseError            Phase = "error"
)

// Terminal reports whether no further progress follows this phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseError
}

type Progress struct {
	Phase     Phase
	Message   string
	Fraction  float64
	ItemID    string
	ItemLabel string
	Current   int
	Total     int
}

// SyncResult summarises a snapshot import.
type SyncResult struct {
	Success   bool
	Cancelled bool
	Series    int
	Episodes  int
	Positions int
	Failed    int
	Error     string
}

type UpdateKind int

const (
	UpdateNone UpdateKind = iota
	UpdateNew
	UpdateUpdated
	UpdateUnknown
)

// UpdateOutcome is the result of checking one series against the remote.
type UpdateOutcome struct {
	Code            string
	Kind            UpdateKind
	PreviousCount   int
	AdvertisedCount int
}

// BulkResult aggregates per-episode fetch outcomes of one orchestration pass.
type BulkResult struct {
	Success   int
	Failed    int
	Retired   int
	Cancelled bool
}

// RedownloadPlan lists the episode numbers of one series that need fetching again.
type RedownloadPlan struct {
	Code      string
	Erroneous []int
	Missing   []int
	Targets   []int
}

func (p RedownloadPlan) NothingToFix() bool {
	return len(p.Targets) == 0
}

type StoreCounts struct {
	Series    int
	Episodes  int
	Positions int
	Pending   int
}
