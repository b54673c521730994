package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oniondrop/onionDrop/pkg/events"
	"github.com/oniondrop/onionDrop/pkg/web"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	srv, err := web.New(web.Options{Mode: web.ModeShare})
	require.NoError(t, err)
	m := NewModel(Config{Server: srv, Title: "test"})
	return &m
}

func TestApplyEventsBuildsHistoryRows(t *testing.T) {
	m := newTestModel(t)

	m.applyEvents([]events.Event{
		{Kind: events.Started, Path: "/download", Data: map[string]any{"id": 0}},
		{Kind: events.Progress, Path: "/download", Data: map[string]any{"id": 0, "bytes": int64(50), "total": int64(100), "percent": 50.0}},
	})

	require.Len(t, m.rows, 1)
	assert.Equal(t, "active", m.rows[0].status)
	assert.Equal(t, int64(50), m.rows[0].bytes)

	m.applyEvents([]events.Event{
		{Kind: events.Progress, Path: "/download", Data: map[string]any{"id": 0, "bytes": int64(100), "total": int64(100), "percent": 100.0}},
	})
	assert.Equal(t, "finished", m.rows[0].status)
}

func TestApplyEventsCancellation(t *testing.T) {
	m := newTestModel(t)

	m.applyEvents([]events.Event{
		{Kind: events.Started, Path: "/upload", Data: map[string]any{"id": 3}},
		{Kind: events.UploadCanceled, Data: map[string]any{"id": 3}},
	})

	require.Len(t, m.rows, 1)
	assert.Equal(t, "canceled", m.rows[0].status)
}

func TestApplyEventsUploadSnapshotSumsFiles(t *testing.T) {
	m := newTestModel(t)

	snapshot := map[string]map[string]any{
		"a.txt": {"uploaded_bytes": int64(10), "complete": false},
		"b.txt": {"uploaded_bytes": int64(30), "complete": true},
	}
	m.applyEvents([]events.Event{
		{Kind: events.Progress, Path: "/upload", Data: map[string]any{"id": 1, "progress": snapshot}},
	})

	require.Len(t, m.rows, 1)
	assert.Equal(t, int64(40), m.rows[0].bytes)
}

func TestApplyEventsFailedRequestRow(t *testing.T) {
	m := newTestModel(t)

	m.applyEvents([]events.Event{
		{Kind: events.IndividualFileStarted, Path: "/missing", Data: map[string]any{"id": 2, "status": 404}},
	})

	require.Len(t, m.rows, 1)
	assert.True(t, m.rows[0].failed)
	assert.Equal(t, "404", m.rows[0].status)
}
