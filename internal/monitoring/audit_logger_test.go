package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/cache"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/codify"
)

func matchResult(decision codify.Decision, code string, degradations ...codify.Degradation) codify.MatchResult {
	res := codify.MatchResult{
		RequestID:      "req-1",
		Input:          codify.VehicleInput{ModelYear: 2020, Description: "toyota yaris sol l"},
		Decision:       decision,
		Confidence:     0.81,
		CatalogVersion: "2026-05",
		Degradations:   degradations,
	}
	if code != "" {
		res.SuggestedCode = &code
	}
	return res
}

func TestAuditLogger_PersistsMatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	audit, err := NewAuditLogger(nil, WithDB(db, "match_audit"))
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	audit.now = func() time.Time { return fixed }

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO match_audit`)).
		WithArgs(sqlmock.AnyArg(), "req-1", 2020, "toyota yaris sol l", "needs_review",
			0.81, "TOY-YAR-20", "2026-05", `["llm_unavailable"]`, fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = audit.RecordMatch(context.Background(), matchResult(codify.DecisionNeedsReview, "TOY-YAR-20", codify.DegradationLLMUnavailable))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLogger_NoMatchStoresNullCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	audit, err := NewAuditLogger(nil, WithDB(db, "match_audit"))
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO match_audit`)).
		WithArgs(sqlmock.AnyArg(), "req-1", 2020, "toyota yaris sol l", "no_match",
			0.81, nil, "2026-05", `[]`, sqlmock.AnyArg()).
		WillReturnError(errors.New("relation does not exist"))

	err = audit.RecordMatch(context.Background(), matchResult(codify.DecisionNoMatch, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert audit event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLogger_PublishesReviews(t *testing.T) {
	ps := cache.NewMemoryClient(10)
	defer ps.Close()
	ch, unsubscribe, err := ps.Subscribe(context.Background(), ReviewChannel)
	require.NoError(t, err)
	defer unsubscribe()

	audit, err := NewAuditLogger(nil, WithReviewPublisher(ps))
	require.NoError(t, err)

	require.NoError(t, audit.RecordMatch(context.Background(), matchResult(codify.DecisionAutoAccept, "TOY-YAR-20")))
	require.NoError(t, audit.RecordMatch(context.Background(), matchResult(codify.DecisionNeedsReview, "TOY-YAR-20C")))

	select {
	case msg := <-ch:
		var event AuditEvent
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.Equal(t, codify.DecisionNeedsReview, event.Decision)
		require.NotNil(t, event.SuggestedCode)
		assert.Equal(t, "TOY-YAR-20C", *event.SuggestedCode)
	case <-time.After(time.Second):
		t.Fatal("review event not published")
	}
	assert.Empty(t, ch, "only needs_review decisions are published")
}

func TestAuditLogger_Recent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	audit, err := NewAuditLogger(nil, WithDB(db, "match_audit"))
	require.NoError(t, err)

	at := time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM match_audit ORDER BY occurred_at DESC LIMIT $1`)).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "model_year", "description", "decision",
			"confidence", "suggested_code", "catalog_version", "degradations", "occurred_at"}).
			AddRow("6f1c1a38-8d1e-4f57-9a52-3f0c8a7e9b10", "req-2", 2020, "nissan versa", "auto_accept", 0.95, "NIS-VER-20", "2026-05", `[]`, at).
			AddRow("0b5e3f4a-2c9d-4b8e-8f7a-1d2c3b4a5e6f", "req-1", 2015, "toyota yaris", "no_match", 0.0, nil, "2026-05", `["catalog_empty"]`, at))

	events, err := audit.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "NIS-VER-20", *events[0].SuggestedCode)
	assert.Nil(t, events[1].SuggestedCode)
	assert.Equal(t, []codify.Degradation{codify.DegradationCatalogEmpty}, events[1].Degradations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAuditLogger_RejectsBadTable(t *testing.T) {
	_, err := NewAuditLogger(nil, WithDB(nil, "audit; DROP TABLE x"))
	assert.Error(t, err)
}
