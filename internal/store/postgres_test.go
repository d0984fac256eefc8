package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db), mock
}

func TestFindAlias_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.QuoteMeta(`SELECT kind, value, user_id, created_at FROM aliases WHERE kind = $1 AND value = $2`)
	mock.ExpectQuery(query).WithArgs(AliasDeviceID, "D-404").WillReturnRows(
		sqlmock.NewRows([]string{"kind", "value", "user_id", "created_at"}))

	_, err := s.FindAlias(context.Background(), AliasDeviceID, "D-404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if mockErr := mock.ExpectationsWereMet(); mockErr != nil {
		t.Fatalf("unmet sqlmock expectations: %v", mockErr)
	}
}

func TestLinkAlias_ConflictIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.QuoteMeta(`INSERT INTO aliases (kind, value, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (kind, value) DO NOTHING`)
	mock.ExpectExec(query).
		WithArgs(AliasExternalID, "E1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	linked, err := s.LinkAlias(context.Background(), AliasExternalID, "E1", "user-1")
	if err != nil {
		t.Fatalf("LinkAlias returned error: %v", err)
	}
	if linked {
		t.Error("expected linked=false when the alias already exists")
	}

	if mockErr := mock.ExpectationsWereMet(); mockErr != nil {
		t.Fatalf("unmet sqlmock expectations: %v", mockErr)
	}
}

func TestInsertEvent_ReturnsID(t *testing.T) {
	s, mock := newMockStore(t)

	ts := time.Now().UTC().Truncate(time.Second)
	query := regexp.QuoteMeta(`INSERT INTO events (user_id, ts, name, props) VALUES ($1, $2, $3, $4) RETURNING id`)
	mock.ExpectQuery(query).
		WithArgs("user-1", ts, "app_open", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.InsertEvent(context.Background(), "user-1", "app_open", ts, JSONBMap{"source": "test"})
	if err != nil {
		t.Fatalf("InsertEvent returned error: %v", err)
	}
	if id != 42 {
		t.Errorf("expected event id 42, got %d", id)
	}

	if mockErr := mock.ExpectationsWereMet(); mockErr != nil {
		t.Fatalf("unmet sqlmock expectations: %v", mockErr)
	}
}

func TestUpsertUserTraits_RunsInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	upsert := regexp.QuoteMeta(`INSERT INTO user_traits (user_id, key, value, updated_at)`)
	mock.ExpectExec(upsert).
		WithArgs("user-1", "power_user", []byte(`true`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).
		WithArgs("user-1", "total_opens", []byte(`12`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpsertUserTraits(context.Background(), "user-1", []UserTrait{
		{Key: "power_user", Value: []byte(`true`), UpdatedAt: now},
		{Key: "total_opens", Value: []byte(`12`), UpdatedAt: now},
	})
	if err != nil {
		t.Fatalf("UpsertUserTraits returned error: %v", err)
	}

	if mockErr := mock.ExpectationsWereMet(); mockErr != nil {
		t.Fatalf("unmet sqlmock expectations: %v", mockErr)
	}
}

func TestUpsertUserTraits_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO user_traits`)).
		WithArgs("user-1", "power_user", []byte(`true`), now).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.UpsertUserTraits(context.Background(), "user-1", []UserTrait{
		{Key: "power_user", Value: []byte(`true`), UpdatedAt: now},
	})
	if err == nil {
		t.Fatal("expected error from failed upsert")
	}

	if mockErr := mock.ExpectationsWereMet(); mockErr != nil {
		t.Fatalf("unmet sqlmock expectations: %v", mockErr)
	}
}

func TestDeleteTraitDefinition_CascadesToUserTraits(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM trait_definitions WHERE key = $1`)).
		WithArgs("power_user").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM user_traits WHERE key = $1`)).
		WithArgs("power_user").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	if err := s.DeleteTraitDefinition(context.Background(), "power_user"); err != nil {
		t.Fatalf("DeleteTraitDefinition returned error: %v", err)
	}

	if mockErr := mock.ExpectationsWereMet(); mockErr != nil {
		t.Fatalf("unmet sqlmock expectations: %v", mockErr)
	}
}

func TestDeleteFlagDefinition_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM flag_definitions WHERE key = $1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteFlagDefinition(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidKey(t *testing.T) {
	valid := []string{"power_user", "_x", "A1", "trait_2"}
	invalid := []string{"", "1abc", "a-b", "a b", "a.b"}

	for _, k := range valid {
		if !ValidKey(k) {
			t.Errorf("ValidKey(%q) should be true", k)
		}
	}
	for _, k := range invalid {
		if ValidKey(k) {
			t.Errorf("ValidKey(%q) should be false", k)
		}
	}
}
