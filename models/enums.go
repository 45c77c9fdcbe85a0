package models

import "slices"

type CollectionStatus string

const (
	CollectionStatusCollected CollectionStatus = "collected"
	CollectionStatusReceived  CollectionStatus = "received"
	CollectionStatusCancelled CollectionStatus = "cancelled"
)

var AllCollectionStatus = []CollectionStatus{
	CollectionStatusCollected,
	CollectionStatusReceived,
	CollectionStatusCancelled,
}

func (e CollectionStatus) IsValid() bool {
	return slices.Contains(AllCollectionStatus, e)
}

func (e CollectionStatus) String() string {
	return string(e)
}

// IsTerminal reports whether no further transition is possible.
func (e CollectionStatus) IsTerminal() bool {
	return e == CollectionStatusCancelled
}

// CanTransitionTo encodes collected -> received and (collected|received) -> cancelled.
func (e CollectionStatus) CanTransitionTo(next CollectionStatus) bool {
	switch e {
	case CollectionStatusCollected:
		return next == CollectionStatusReceived || next == CollectionStatusCancelled
	case CollectionStatusReceived:
		return next == CollectionStatusCancelled
	}
	return false
}

type CollectionSource string

const (
	CollectionSourceRealtime      CollectionSource = "realtime"
	CollectionSourceManualHistory CollectionSource = "manual_history"
	CollectionSourceExcelImport   CollectionSource = "excel_import"
)

var AllCollectionSource = []CollectionSource{
	CollectionSourceRealtime,
	CollectionSourceManualHistory,
	CollectionSourceExcelImport,
}

func (e CollectionSource) IsValid() bool {
	return slices.Contains(AllCollectionSource, e)
}

func (e CollectionSource) String() string {
	return string(e)
}

// History field names recorded in collection_history.field_name.
const (
	HistoryFieldStatus  = "status"
	HistoryFieldAmount  = "amount"
	HistoryFieldDeleted = "deleted"
)
