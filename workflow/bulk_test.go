package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
)

func TestBulkCreatePartialFailure(t *testing.T) {
	f := newFixture(t)

	result, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId: "op-1",
		Items: []BulkCreateItem{
			{MachineCode: "YGN-001", CollectedAt: testNow.Add(-48 * time.Hour)},
			{MachineCode: "NOPE-404", CollectedAt: testNow.Add(-24 * time.Hour)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	require.NotNil(t, result.Errors[0].Index)
	assert.Equal(t, 1, *result.Errors[0].Index)
	assert.Contains(t, result.Errors[0].Message, "NOPE-404")

	require.Len(t, result.Collections, 1)
	persisted := f.store.get(result.Collections[0].ID)
	require.NotNil(t, persisted)
	assert.Equal(t, models.CollectionSourceManualHistory, persisted.Source)
	assert.Equal(t, models.CollectionStatusCollected, persisted.Status)
	assert.Equal(t, 1, f.cache.invalidations())
}

func TestBulkCreateResolvesMachinesOnce(t *testing.T) {
	f := newFixture(t)
	items := make([]BulkCreateItem, 0, 6)
	for i := 0; i < 3; i++ {
		at := testNow.Add(-time.Duration(i+1) * 24 * time.Hour)
		items = append(items,
			BulkCreateItem{MachineId: "m-1", CollectedAt: at},
			BulkCreateItem{MachineCode: "YGN-002", CollectedAt: at},
		)
	}

	result, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{OperatorId: "op-1", Items: items})
	require.NoError(t, err)
	assert.Equal(t, 6, result.Created)
	assert.Equal(t, 1, f.store.resolveCalls)
}

func TestBulkCreateWithAmountIsReceived(t *testing.T) {
	f := newFixture(t)

	result, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId: "op-7",
		Source:     models.CollectionSourceExcelImport,
		Items: []BulkCreateItem{
			{MachineId: "m-1", CollectedAt: testNow.Add(-time.Hour), Amount: utils.NewPtr(amount(5400))},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	c := f.store.get(result.Collections[0].ID)
	assert.Equal(t, models.CollectionStatusReceived, c.Status)
	assert.Equal(t, models.CollectionSourceExcelImport, c.Source)
	require.NotNil(t, c.ManagerId)
	assert.Equal(t, "op-7", *c.ManagerId)
	assert.NotNil(t, c.ReceivedAt)
	assert.True(t, c.Amount.Decimal.Equal(amount(5400)))

	history := f.store.historyFor(c.ID)
	require.Len(t, history, 2)
	assert.Equal(t, "received", *history[0].NewValue)
	assert.Equal(t, "5400", *history[1].NewValue)
}

func TestBulkCreateItemValidation(t *testing.T) {
	f := newFixture(t)
	lat := 1.0

	result, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId: "op-1",
		Items: []BulkCreateItem{
			{MachineId: "m-1", CollectedAt: testNow.Add(-time.Hour), Amount: utils.NewPtr(amount(-5))},
			{MachineId: "m-1"},
			{MachineId: "m-1", CollectedAt: testNow.Add(-time.Hour), Latitude: &lat},
			{CollectedAt: testNow},
			{MachineId: "m-2", CollectedAt: testNow},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 4, result.Failed)
	assert.Equal(t, 1, f.store.count())
}

func TestBulkCreateDuplicatesWithinBatch(t *testing.T) {
	f := newFixture(t)
	at := testNow.Add(-time.Hour)

	result, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId:      "op-1",
		CheckDuplicates: true,
		Items: []BulkCreateItem{
			{MachineId: "m-1", CollectedAt: at},
			{MachineId: "m-1", CollectedAt: at.Add(5 * time.Minute)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.Errors[0].Message, result.Collections[0].ID)

	result, err = f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId: "op-1",
		Items:      []BulkCreateItem{{MachineId: "m-1", CollectedAt: at.Add(time.Minute)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestBulkCreateLimits(t *testing.T) {
	settings := config.DefaultCollectionSettings()
	settings.MaxBulkCreate = 2
	f := newFixture(t, WithSettings(settings))

	_, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{OperatorId: "op-1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	items := []BulkCreateItem{{MachineId: "m-1"}, {MachineId: "m-1"}, {MachineId: "m-1"}}
	_, err = f.wf.BulkCreate(context.Background(), BulkCreateInput{OperatorId: "op-1", Items: items})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.wf.BulkCreate(context.Background(), BulkCreateInput{Items: items[:1]})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 0, f.store.resolveCalls)
}

func TestBulkCreateAbortsOnConflict(t *testing.T) {
	f := newFixture(t)
	f.store.failCreateOn["m-2"] = fmt.Errorf("%w: deadlock found", models.ErrConcurrencyConflict)

	_, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId: "op-1",
		Items: []BulkCreateItem{
			{MachineId: "m-1", CollectedAt: testNow},
			{MachineId: "m-2", CollectedAt: testNow},
		},
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.Equal(t, 0, f.store.count())
	assert.Equal(t, 0, f.cache.invalidations())
}

func TestBulkCreateCommitFailureRollsBackBatch(t *testing.T) {
	f := newFixture(t)
	f.store.failCommit = fmt.Errorf("%w: commit: broken pipe", models.ErrInfrastructure)

	_, err := f.wf.BulkCreate(context.Background(), BulkCreateInput{
		OperatorId: "op-1",
		Items:      []BulkCreateItem{{MachineId: "m-1", CollectedAt: testNow}},
	})
	assert.ErrorIs(t, err, models.ErrInfrastructure)
	assert.Equal(t, 0, f.store.count())
	assert.Equal(t, 0, f.cache.invalidations())
}

func TestBulkCancelByIds(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, models.CollectionStatusCollected, testNow)
	b := f.seed(t, models.CollectionStatusReceived, testNow.Add(-time.Hour))
	done := f.seed(t, models.CollectionStatusCancelled, testNow.Add(-2*time.Hour))

	result, err := f.wf.BulkCancel(context.Background(), BulkCancelInput{
		Ids:    []string{a.ID, b.ID, a.ID, done.ID, "missing"},
		UserId: "mgr-1",
		Reason: "machine decommissioned",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Cancelled)
	assert.Equal(t, 2, result.Failed)

	failed := map[string]string{}
	for _, e := range result.Errors {
		failed[e.Id] = e.Message
	}
	assert.Contains(t, failed[done.ID], "already cancelled")
	assert.Contains(t, failed["missing"], "not found")

	assert.Equal(t, models.CollectionStatusCancelled, f.store.get(a.ID).Status)
	assert.Equal(t, models.CollectionStatusCancelled, f.store.get(b.ID).Status)
	assert.Equal(t, "machine decommissioned", f.store.historyFor(a.ID)[0].Reason)
	assert.Empty(t, f.store.historyFor(done.ID))
	assert.Equal(t, 1, f.cache.invalidations())
}

func TestBulkCancelByFilter(t *testing.T) {
	f := newFixture(t)
	day := testNow.Add(-24 * time.Hour)
	a := f.seed(t, models.CollectionStatusCollected, day)
	b := f.seed(t, models.CollectionStatusCollected, day.Add(time.Hour))
	other := f.store.addCollection(&models.Collection{
		MachineId: "m-2", OperatorId: "op-1", CollectedAt: day, Status: models.CollectionStatusCollected, Source: models.CollectionSourceRealtime,
	})
	received := f.seed(t, models.CollectionStatusReceived, day.Add(2*time.Hour))

	status := models.CollectionStatusCollected
	result, err := f.wf.BulkCancel(context.Background(), BulkCancelInput{
		Filter: &models.CollectionFilter{MachineId: "m-1", Status: &status},
		UserId: "mgr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Cancelled)
	assert.Equal(t, 0, result.Failed)

	assert.Equal(t, models.CollectionStatusCancelled, f.store.get(a.ID).Status)
	assert.Equal(t, models.CollectionStatusCancelled, f.store.get(b.ID).Status)
	assert.Equal(t, models.CollectionStatusCollected, f.store.get(other.ID).Status)
	assert.Equal(t, models.CollectionStatusReceived, f.store.get(received.ID).Status)
	assert.Equal(t, DefaultCancelReason, f.store.historyFor(a.ID)[0].Reason)
}

func TestBulkCancelEmptyFilterRejected(t *testing.T) {
	f := newFixture(t)
	c := f.seed(t, models.CollectionStatusCollected, testNow)

	_, err := f.wf.BulkCancel(context.Background(), BulkCancelInput{
		Filter: &models.CollectionFilter{},
		UserId: "mgr-1",
	})
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, models.CollectionStatusCollected, f.store.get(c.ID).Status)
	assert.Equal(t, 0, f.store.commits+f.store.rollbacks)
	assert.Equal(t, 0, f.cache.invalidations())
}

func TestBulkCancelInputRules(t *testing.T) {
	settings := config.DefaultCollectionSettings()
	settings.MaxBulkCancel = 2
	f := newFixture(t, WithSettings(settings))
	from, to := testNow, testNow.Add(-time.Hour)

	tests := []struct {
		name  string
		input BulkCancelInput
	}{
		{"no selector", BulkCancelInput{UserId: "mgr-1"}},
		{"both selectors", BulkCancelInput{Ids: []string{"a"}, Filter: &models.CollectionFilter{MachineId: "m-1"}, UserId: "mgr-1"}},
		{"too many ids", BulkCancelInput{Ids: []string{"a", "b", "c"}, UserId: "mgr-1"}},
		{"blank ids", BulkCancelInput{Ids: []string{""}, UserId: "mgr-1"}},
		{"inverted range", BulkCancelInput{Filter: &models.CollectionFilter{From: &from, To: &to}, UserId: "mgr-1"}},
		{"missing user", BulkCancelInput{Ids: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wf.BulkCancel(context.Background(), tt.input)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestBulkCancelFilterOverLimit(t *testing.T) {
	settings := config.DefaultCollectionSettings()
	settings.MaxBulkCancel = 2
	f := newFixture(t, WithSettings(settings))
	for i := 0; i < 3; i++ {
		f.seed(t, models.CollectionStatusCollected, testNow.Add(-time.Duration(i)*time.Hour))
	}

	_, err := f.wf.BulkCancel(context.Background(), BulkCancelInput{
		Filter: &models.CollectionFilter{MachineId: "m-1"},
		UserId: "mgr-1",
	})
	require.ErrorIs(t, err, models.ErrValidation)

	pending, err := f.wf.FindPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
