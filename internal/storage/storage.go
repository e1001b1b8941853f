package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidProgress is returned when a progress update would break bytes_written <= total_bytes.
	ErrInvalidProgress = errors.New("invalid progress update")
	// ErrClaimLost is returned by writes on a claimed record that is no longer in progress under
	// the caller's claim.
	ErrClaimLost = errors.New("download is no longer claimed by this worker")
)

// State is the lifecycle state of a DownloadRecord.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StatePaused     State = "paused"
)

var transitions = map[State][]State{
	StatePending:    {StateInProgress},
	StateInProgress: {StateCompleted, StateFailed, StatePaused},
	StateFailed:     {StatePending},
	StatePaused:     {StatePending},
}

// CanTransition reports whether a record may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Claimable reports whether the scheduler may pick a record in this state.
func (s State) Claimable() bool {
	return s == StatePending || s == StatePaused
}

// Terminal reports whether the state needs an explicit command to leave it.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Item unites catalog metadata and purchase information for one marketplace item.
type Item struct {
	ID                string
	Title             string
	URL               string
	Description       string
	FolderPath        string
	IsPurchased       bool
	PurchaseDate      *time.Time
	PurchasePrice     string
	PurchaseCurrency  string
	LastDownloadCheck *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Image is a preview image of an item, owned by the metadata collaborator.
type Image struct {
	ID        int64
	ItemID    string
	URL       string
	LocalPath string
	CreatedAt time.Time
}

// Price is an opaque amount and currency pair as shown by the marketplace.
type Price struct {
	Amount   string
	Currency string
}

// PurchaseRecord is a snapshot of one purchased item taken from the order listing.
type PurchaseRecord struct {
	ItemID       string
	Title        string
	PurchaseDate time.Time
	Price        Price
	PageURL      string
}

// DownloadRecord is the durable state of one remote file belonging to an Item.
type DownloadRecord struct {
	ID           int64
	ItemID       string
	FileName     string
	SourceURL    string
	LocalPath    string
	TotalBytes   *int64
	BytesWritten int64
	Checksum     string
	State        State
	Attempts     int
	LastError    string
	LockedBy     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the number of bytes still missing, or -1 when the total is unknown.
func (r *DownloadRecord) Remaining() int64 {
	if r.TotalBytes == nil {
		return -1
	}

	return *r.TotalBytes - r.BytesWritten
}

// DownloadFilter narrows GetDownloads. Zero values match everything.
type DownloadFilter struct {
	ItemID string
	States []State
}

// ClaimOptions narrows which records a worker may claim.
type ClaimOptions struct {
	// ItemIDs restricts claims to these items when not empty.
	ItemIDs []string
	// ExcludeItemIDs are never claimed.
	ExcludeItemIDs []string
}

// ItemRepository persists items and their images.
type ItemRepository interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	ListItems(ctx context.Context, purchasedOnly bool) ([]Item, error)
	UpsertItem(ctx context.Context, item *Item) error
	UpsertPurchase(ctx context.Context, p PurchaseRecord, folderPath string) (*Item, error)
	ReplaceImages(ctx context.Context, itemID string, images []Image) error
	GetImages(ctx context.Context, itemID string) ([]Image, error)
	DeleteItem(ctx context.Context, itemID string) error
}

// DownloadReadRepository exposes read access to download state.
type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id int64) (*DownloadRecord, error)
	GetDownloads(ctx context.Context, filter DownloadFilter) ([]DownloadRecord, error)
}

// DownloadWriteRepository holds every state-changing download operation. Each call is one transaction.
// Writes on a claimed record name the claim owner and fail with ErrClaimLost once another worker
// holds the record or it has left in_progress.
type DownloadWriteRepository interface {
	UpsertDownload(ctx context.Context, rec *DownloadRecord) (*DownloadRecord, error)
	ClaimNext(ctx context.Context, workerID string, opts ClaimOptions) (*DownloadRecord, error)
	ReleaseStale(ctx context.Context, workerID string, staleAfter time.Duration) (int, error)
	Heartbeat(ctx context.Context, id int64, owner string) error
	UpdateProgress(ctx context.Context, id int64, owner string, bytesWritten int64) error
	SetProgress(ctx context.Context, id int64, owner string, bytesWritten int64, total *int64) error
	SetSourceURL(ctx context.Context, id int64, owner string, sourceURL string) error
	SetChecksum(ctx context.Context, id int64, owner string, checksum string) error
	RecordAttempt(ctx context.Context, id int64, owner string, lastError string) (int, error)
	Release(ctx context.Context, id int64, owner string, to State, lastError string) error
	MarkCompleted(ctx context.Context, id int64, owner string, checksum string) error
	Transition(ctx context.Context, id int64, from, to State, lastError string) error
	Restart(ctx context.Context, id int64) error
}

// DownloadRepository is the full download persistence surface.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// Repository is the single source of truth for items, images and downloads.
type Repository interface {
	ItemRepository
	DownloadRepository
}
