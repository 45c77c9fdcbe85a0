package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CollectionSettings are the process-level limits of the collection engine.
//
// Set via env:
// - DUPLICATE_WINDOW_MINUTES (default 30)
// - MAX_BULK_CREATE (default 1000)
// - MAX_BULK_CANCEL (default 500)
// - MAX_COLLECTION_AMOUNT (default 1000000000)
// - DISTANCE_WARNING_METERS (default 50)
// - CREATION_LOCK_TTL_SECONDS (default 10)
type CollectionSettings struct {
	DuplicateWindow       time.Duration
	MaxBulkCreate         int
	MaxBulkCancel         int
	MaxAmount             decimal.Decimal
	DistanceWarningMeters float64
	CreationLockTTL       time.Duration
}

func DefaultCollectionSettings() CollectionSettings {
	return CollectionSettings{
		DuplicateWindow:       30 * time.Minute,
		MaxBulkCreate:         1000,
		MaxBulkCancel:         500,
		MaxAmount:             decimal.NewFromInt(1_000_000_000),
		DistanceWarningMeters: 50,
		CreationLockTTL:       10 * time.Second,
	}
}

func LoadCollectionSettings() CollectionSettings {
	s := DefaultCollectionSettings()
	if n := intFromEnv("DUPLICATE_WINDOW_MINUTES", 0); n > 0 {
		s.DuplicateWindow = time.Duration(n) * time.Minute
	}
	if n := intFromEnv("MAX_BULK_CREATE", 0); n > 0 {
		s.MaxBulkCreate = n
	}
	if n := intFromEnv("MAX_BULK_CANCEL", 0); n > 0 {
		s.MaxBulkCancel = n
	}
	if v := strings.TrimSpace(os.Getenv("MAX_COLLECTION_AMOUNT")); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			s.MaxAmount = d
		}
	}
	if n := intFromEnv("DISTANCE_WARNING_METERS", 0); n > 0 {
		s.DistanceWarningMeters = float64(n)
	}
	if n := intFromEnv("CREATION_LOCK_TTL_SECONDS", 0); n > 0 {
		s.CreationLockTTL = time.Duration(n) * time.Second
	}
	return s
}

// CollectionEventsTopic is the Pub/Sub topic for collection notifications.
// Empty disables publishing.
func CollectionEventsTopic() string {
	return strings.TrimSpace(os.Getenv("COLLECTION_EVENTS_TOPIC"))
}
