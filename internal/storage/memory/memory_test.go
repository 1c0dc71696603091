package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/storage"
)

func TestCreate_GeneratesIDAndCreatedAt(t *testing.T) {
	s := New()
	ctx := context.Background()

	row, err := s.Create(ctx, storage.TableSubjects, storage.Row{"type": "user", "role": "user"})
	require.NoError(t, err)
	require.NotEmpty(t, row.String("id"))
	require.False(t, row.Time("created_at").IsZero())
}

func TestCreate_UnknownTable(t *testing.T) {
	s := New()
	_, err := s.Create(context.Background(), "clients", storage.Row{"a": 1})
	require.ErrorIs(t, err, storage.ErrUnknownTable)
}

func TestCreate_UniqueConflictOnIdentities(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, storage.TableIdentities, storage.Row{
		"subject_id": "s1", "provider": "email", "identifier": "a@b.test",
	})
	require.NoError(t, err)

	// mismo (provider, identifier) → conflicto
	_, err = s.Create(ctx, storage.TableIdentities, storage.Row{
		"subject_id": "s2", "provider": "email", "identifier": "a@b.test",
	})
	require.ErrorIs(t, err, storage.ErrConflict)

	// mismo identifier en otro provider pasa
	_, err = s.Create(ctx, storage.TableIdentities, storage.Row{
		"subject_id": "s3", "provider": "phone", "identifier": "a@b.test",
	})
	require.NoError(t, err)
}

func TestFindFirst_NotFoundAndOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.FindFirst(ctx, storage.TableSessions, storage.Query{})
	require.ErrorIs(t, err, storage.ErrNotFound)

	base := time.Now().UTC()
	for i, h := range []string{"h1", "h2", "h3"} {
		_, err := s.Create(ctx, storage.TableSessions, storage.Row{
			"token_hash": h,
			"subject_id": "s1",
			"expires_at": base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	row, err := s.FindFirst(ctx, storage.TableSessions, storage.Query{
		OrderBy: []storage.Order{{Col: "expires_at", Desc: true}},
	})
	require.NoError(t, err)
	require.Equal(t, "h3", row.String("token_hash"))
}

func TestFindMany_CondBuilderAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	mk := func(subject string, attempts int64, consumed any) {
		r := storage.Row{
			"subject_id": subject,
			"purpose":    "email_verify",
			"attempts":   attempts,
			"expires_at": now.Add(time.Minute),
		}
		if consumed != nil {
			r["consumed_at"] = consumed
		}
		_, err := s.Create(ctx, storage.TableVerificationCodes, r)
		require.NoError(t, err)
	}
	mk("s1", 0, nil)
	mk("s1", 3, nil)
	mk("s1", 0, now)
	mk("s2", 0, nil)

	// And + IsNull
	rows, err := s.FindMany(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.And(
			storage.Eq("subject_id", "s1"),
			storage.IsNull("consumed_at"),
		),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Or
	rows, err = s.FindMany(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.Or(storage.Eq("subject_id", "s2"), storage.Gte("attempts", int64(3))),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Ne + In
	rows, err = s.FindMany(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.And(
			storage.Ne("subject_id", "s2"),
			storage.In("attempts", int64(0), int64(3)),
		),
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Limit
	rows, err = s.FindMany(ctx, storage.TableVerificationCodes, storage.Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestUpdateMany_ConditionalGuard(t *testing.T) {
	s := New()
	ctx := context.Background()

	row, err := s.Create(ctx, storage.TableVerificationCodes, storage.Row{
		"subject_id": "s1", "purpose": "email_verify",
	})
	require.NoError(t, err)
	id := row.String("id")

	// primer consume gana
	n, err := s.UpdateMany(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.And(storage.Eq("id", id), storage.IsNull("consumed_at")),
	}, storage.Row{"consumed_at": time.Now().UTC()})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// el segundo ve el guard y no matchea nada
	n, err = s.UpdateMany(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.And(storage.Eq("id", id), storage.IsNull("consumed_at")),
	}, storage.Row{"consumed_at": time.Now().UTC()})
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestDeleteManyAndCount(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		exp := now.Add(time.Hour)
		if i < 3 {
			exp = now.Add(-time.Hour)
		}
		_, err := s.Create(ctx, storage.TableSessions, storage.Row{
			"token_hash": string(rune('a' + i)),
			"subject_id": "s1",
			"expires_at": exp,
		})
		require.NoError(t, err)
	}

	n, err := s.DeleteMany(ctx, storage.TableSessions, storage.Query{
		Where: storage.Lte("expires_at", now),
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	left, err := s.Count(ctx, storage.TableSessions, storage.Query{})
	require.NoError(t, err)
	require.EqualValues(t, 2, left)
}

func TestRowsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.Create(ctx, storage.TableSubjects, storage.Row{"role": "user"})
	require.NoError(t, err)
	created["role"] = "admin"

	got, err := s.FindFirst(ctx, storage.TableSubjects, storage.Query{
		Where: storage.Eq("id", created.String("id")),
	})
	require.NoError(t, err)
	require.Equal(t, "user", got.String("role"))
}
