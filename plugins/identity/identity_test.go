package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
)

func TestCreateAndFind(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	acc, err := Create(ctx, orm, "email", "ana@example.test", "S3cret!pass", "user", false)
	require.NoError(t, err)
	require.NotEmpty(t, acc.SubjectID)

	row, err := Find(ctx, orm, "email", "ana@example.test")
	require.NoError(t, err)
	require.Equal(t, acc.SubjectID, row.String("subject_id"))
	require.False(t, row.Bool("verified"))

	_, err = Find(ctx, orm, "email", "nadie@example.test")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreate_DuplicateIdentifierReapsOrphan(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	_, err := Create(ctx, orm, "email", "dup@example.test", "S3cret!pass", "user", false)
	require.NoError(t, err)

	_, err = Create(ctx, orm, "email", "dup@example.test", "Other!pass9", "user", false)
	require.ErrorIs(t, err, ErrIdentityTaken)

	// el perdedor no deja subject ni credential huérfanos
	subjects, err := orm.Count(ctx, storage.TableSubjects, storage.Query{})
	require.NoError(t, err)
	require.EqualValues(t, 1, subjects)
	creds, err := orm.Count(ctx, storage.TableCredentials, storage.Query{})
	require.NoError(t, err)
	require.EqualValues(t, 1, creds)
}

func TestVerifyAndSetPassword(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	acc, err := Create(ctx, orm, "email", "p@example.test", "S3cret!pass", "user", true)
	require.NoError(t, err)

	ok, err := VerifyPassword(ctx, orm, acc.SubjectID, "S3cret!pass")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword(ctx, orm, acc.SubjectID, "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, SetPassword(ctx, orm, acc.SubjectID, "Newpass!123"))
	ok, err = VerifyPassword(ctx, orm, acc.SubjectID, "Newpass!123")
	require.NoError(t, err)
	require.True(t, ok)

	// subject sin credential
	require.ErrorIs(t, SetPassword(ctx, orm, "ghost", "x"), ErrNoCredential)
}

func TestMarkVerified(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	_, err := Create(ctx, orm, "email", "v@example.test", "S3cret!pass", "user", false)
	require.NoError(t, err)
	require.NoError(t, MarkVerified(ctx, orm, "email", "v@example.test"))

	row, err := Find(ctx, orm, "email", "v@example.test")
	require.NoError(t, err)
	require.True(t, row.Bool("verified"))
}

func TestIssueCode_InvalidatesPrevious(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	first, err := IssueCode(ctx, orm, "s1", "email_verify", 6, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 6)

	second, err := IssueCode(ctx, orm, "s1", "email_verify", 6, time.Minute)
	require.NoError(t, err)

	// el primero quedó invalidado al emitir el segundo
	require.ErrorIs(t, ConsumeCode(ctx, orm, "s1", "email_verify", first, 5), ErrCodeInvalid)
	require.NoError(t, ConsumeCode(ctx, orm, "s1", "email_verify", second, 5))
}

func TestConsumeCode_SingleUse(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	code, err := IssueCode(ctx, orm, "s1", "email_verify", 6, time.Minute)
	require.NoError(t, err)

	require.NoError(t, ConsumeCode(ctx, orm, "s1", "email_verify", code, 5))
	require.ErrorIs(t, ConsumeCode(ctx, orm, "s1", "email_verify", code, 5), ErrCodeInvalid)
}

func TestConsumeCode_Expired(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	code, err := IssueCode(ctx, orm, "s1", "password_reset", 6, -time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, ConsumeCode(ctx, orm, "s1", "password_reset", code, 5), ErrCodeExpired)
}

func TestConsumeCode_AttemptCounter(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	code, err := IssueCode(ctx, orm, "s1", "email_verify", 6, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, ConsumeCode(ctx, orm, "s1", "email_verify", "000000", 3), ErrCodeInvalid)
	}
	// superó maxAttempts: ni siquiera el código correcto entra
	require.ErrorIs(t, ConsumeCode(ctx, orm, "s1", "email_verify", code, 3), ErrTooManyAttempts)
}

func TestPurgeExpiredCodes(t *testing.T) {
	orm := memory.New()
	ctx := context.Background()

	_, err := IssueCode(ctx, orm, "s1", "email_verify", 6, -time.Minute)
	require.NoError(t, err)
	_, err = IssueCode(ctx, orm, "s2", "email_verify", 6, time.Minute)
	require.NoError(t, err)

	n, err := PurgeExpiredCodes(ctx, orm, "email_verify")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// una segunda pasada no encuentra nada
	n, err = PurgeExpiredCodes(ctx, orm, "email_verify")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
