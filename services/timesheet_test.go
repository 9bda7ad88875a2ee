package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidNemeth/TimeSheet-App/database"
	"github.com/DavidNemeth/TimeSheet-App/models"
	"github.com/DavidNemeth/TimeSheet-App/upstream"
	"github.com/DavidNemeth/TimeSheet-App/validation"
)

type fakeIdentity struct {
	roles      map[string]string
	teamHeads  map[string]bool
	roleCalls  atomic.Int32
	failRoleOf string
}

func (f *fakeIdentity) GetUserRole(_ context.Context, userID string) (string, error) {
	f.roleCalls.Add(1)
	if userID == f.failRoleOf {
		return "", &upstream.Error{Op: "get user role", StatusCode: 500}
	}
	return f.roles[userID], nil
}

func (f *fakeIdentity) IsTeamHead(_ context.Context, userID string) (bool, error) {
	return f.teamHeads[userID], nil
}

type fakeHistory struct {
	mu       sync.Mutex
	existing map[string][]upstream.HistoryRecord
	appended []upstream.HistoryRecord
	fail     bool
}

func (f *fakeHistory) List(_ context.Context, _ int, recordID string) ([]upstream.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[recordID], nil
}

func (f *fakeHistory) Append(_ context.Context, rec upstream.HistoryRecord) error {
	if f.fail {
		return errors.New("history service down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, rec)
	return nil
}

func (f *fakeHistory) records() []upstream.HistoryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.HistoryRecord(nil), f.appended...)
}

type fixture struct {
	svc      *TimesheetService
	store    *database.TimesheetStore
	identity *fakeIdentity
	history  *fakeHistory
	now      time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := database.OpenDialector(sqlite.Open(filepath.Join(t.TempDir(), "svc.db")), nil)
	require.NoError(t, err)

	f := &fixture{
		store: database.NewTimesheetStore(db),
		identity: &fakeIdentity{
			roles:     map[string]string{"u1": "Operator", "u2": "Operator", "u3": "Manager", "lead": "Operator"},
			teamHeads: map[string]bool{"lead": true},
		},
		history: &fakeHistory{existing: map[string][]upstream.HistoryRecord{}},
		now:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewTimesheetService(f.store, validation.New(), f.identity, f.history, opts, nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func floatPtr(v float64) *float64 { return &v }

func validEntry(userID string, date time.Time) *models.TimesheetEntry {
	return &models.TimesheetEntry{
		UserID:              userID,
		Username:            "user " + userID,
		EmployeeID:          "E-" + userID,
		Date:                date,
		Overtime:            floatPtr(2.5),
		OvertimeDescription: "Extra shift coverage",
		PayoutOption:        "Payout",
		Machine:             "PM3",
	}
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestSave_CreateAppliesDefaults(t *testing.T) {
	f := newFixture(t, Options{})
	entry := validEntry("u1", day(10))
	entry.Username = "Alice"

	saved, created, err := f.svc.Save(context.Background(), entry, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, saved.ID)
	assert.Equal(t, models.StatusNew, saved.Status)
	assert.Equal(t, "00:00", saved.OvertimeFrom.String())
	assert.Equal(t, "02:30", saved.OvertimeTo.String())
	assert.True(t, saved.CreatedDate.Equal(f.now))
	assert.Equal(t, "u1", saved.CreatedBy)
	assert.Nil(t, saved.ModifiedDate)

	recs := f.history.records()
	require.Len(t, recs, 1)
	assert.Equal(t, upstream.HistoryCreated, recs[0].Action)
}

func TestSave_CreateUsesCallerAsCreator(t *testing.T) {
	f := newFixture(t, Options{})
	saved, _, err := f.svc.Save(context.Background(), validEntry("u1", day(10)), &models.Caller{UserID: "x", Username: "clerk"})
	require.NoError(t, err)
	assert.Equal(t, "clerk", saved.CreatedBy)
}

func TestSave_DefaultMachine(t *testing.T) {
	f := newFixture(t, Options{DefaultMachine: "PM7"})
	entry := validEntry("u1", day(10))
	entry.Machine = ""

	saved, _, err := f.svc.Save(context.Background(), entry, nil)
	require.NoError(t, err)
	assert.Equal(t, "PM7", saved.Machine)
}

func TestSave_RejectsInvalidEntry(t *testing.T) {
	f := newFixture(t, Options{})
	entry := validEntry("u1", day(10))
	entry.Overtime = nil

	_, _, err := f.svc.Save(context.Background(), entry, nil)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("overtime", validation.KeyOvertimeOrDirtbonusRequired))

	all, err := f.store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSave_OvertimeBelowLowerBound(t *testing.T) {
	f := newFixture(t, Options{})
	entry := validEntry("u1", day(10))
	entry.Overtime = floatPtr(0.05)

	_, _, err := f.svc.Save(context.Background(), entry, nil)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
}

func TestSave_UpdateKeepsImmutablesAndStamps(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)
	createdAt := saved.CreatedDate

	f.now = f.now.Add(time.Hour)
	change := *saved
	change.EmployeeID = "E-other"
	change.CreatedBy = "mallory"
	change.CreatedDate = day(1)
	change.Machine = "PM1"

	updated, created, err := f.svc.Save(ctx, &change, &models.Caller{Username: "editor"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "E-u1", updated.EmployeeID)
	assert.Equal(t, "u1", updated.CreatedBy)
	assert.True(t, updated.CreatedDate.Equal(createdAt))
	assert.Equal(t, "PM1", updated.Machine)
	assert.Equal(t, "editor", updated.ModifiedBy)
	require.NotNil(t, updated.ModifiedDate)
	assert.True(t, updated.ModifiedDate.Equal(f.now))
}

func TestSave_UpdateStampsLatestEditor(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	change := *saved
	change.Machine = "PM1"
	_, _, err = f.svc.Save(ctx, &change, &models.Caller{UserID: "a-1", Username: "alice"})
	require.NoError(t, err)

	fetched, err := f.svc.Get(ctx, saved.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", fetched.ModifiedBy)

	f.now = f.now.Add(time.Hour)
	fetched.Machine = "PM2"
	updated, _, err := f.svc.Save(ctx, fetched, &models.Caller{UserID: "b-1", Username: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.ModifiedBy)
	assert.True(t, updated.ModifiedDate.Equal(f.now))

	// without a caller the payload names the editor
	fetched, err = f.svc.Get(ctx, saved.ID)
	require.NoError(t, err)
	fetched.ModifiedBy = "carol"
	updated, _, err = f.svc.Save(ctx, fetched, nil)
	require.NoError(t, err)
	assert.Equal(t, "carol", updated.ModifiedBy)
}

func TestSave_UpdateMissing(t *testing.T) {
	f := newFixture(t, Options{})
	entry := validEntry("u1", day(10))
	entry.ID = 77

	_, _, err := f.svc.Save(context.Background(), entry, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_IDMismatch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	change := *saved
	change.Machine = "PM9"
	_, err = f.svc.Update(ctx, saved.ID+1, &change, nil)
	assert.ErrorIs(t, err, ErrIDMismatch)

	got, err := f.store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "PM3", got.Machine)
}

func TestSave_StrictTransitions(t *testing.T) {
	f := newFixture(t, Options{StrictTransitions: true})
	ctx := context.Background()

	approved := validEntry("u1", day(10))
	approved.Status = models.StatusApproved
	_, _, err := f.svc.Save(ctx, approved, nil)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("status", validation.KeyInvalidStatusTransition))

	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)
	change := *saved
	change.Status = models.StatusApproved
	_, _, err = f.svc.Save(ctx, &change, nil)
	require.ErrorAs(t, err, &verr)
}

func TestSave_LenientTransitionsRecordHistory(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	change := *saved
	change.Status = models.StatusApproved
	change.ApprovedBy = "lead"
	updated, _, err := f.svc.Save(ctx, &change, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, updated.Status)

	recs := f.history.records()
	require.Len(t, recs, 2)
	assert.Equal(t, upstream.HistoryUpdated, recs[1].Action)
}

func TestLifecycle_SubmitApprove(t *testing.T) {
	f := newFixture(t, Options{RequireTeamHead: true})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	submitted, err := f.svc.Submit(ctx, saved.ID, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, submitted.Status)
	assert.Equal(t, "u1", submitted.ModifiedBy)

	_, err = f.svc.Approve(ctx, saved.ID, "u2", nil)
	assert.ErrorIs(t, err, ErrForbidden)

	approved, err := f.svc.Approve(ctx, saved.ID, "lead", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, "lead", approved.ApprovedBy)
	assert.Empty(t, approved.RejectedBy)

	// terminal
	_, err = f.svc.Submit(ctx, saved.ID, "u1", nil)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("status", validation.KeyInvalidStatusTransition))

	assert.Len(t, f.history.records(), 3)
}

func TestLifecycle_RejectNeedsReason(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, saved.ID, "u1", nil)
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, saved.ID, "lead", "no", nil)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("rejectionReason", validation.KeyMinLength5))

	got, err := f.store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	rejected, err := f.svc.Reject(ctx, saved.ID, "lead", "Hours not confirmed", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, "lead", rejected.RejectedBy)
	assert.Empty(t, rejected.ApprovedBy)
}

func TestLifecycle_ApproverCheckedByCallerUserID(t *testing.T) {
	f := newFixture(t, Options{RequireTeamHead: true})
	ctx := context.Background()
	lead := &models.Caller{UserID: "lead", Username: "Lead Person"}

	pending := func() uint {
		saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, saved.ID, "", &models.Caller{UserID: "u1", Username: "user u1"})
		require.NoError(t, err)
		return saved.ID
	}

	first := pending()
	approved, err := f.svc.Approve(ctx, first, "", lead)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, "Lead Person", approved.ApprovedBy)
	assert.Equal(t, "Lead Person", approved.ModifiedBy)

	second := pending()
	_, err = f.svc.Approve(ctx, second, "lead", &models.Caller{UserID: "u2", Username: "lead"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Reject(ctx, second, "lead", "Hours not confirmed", &models.Caller{UserID: "u2", Username: "lead"})
	assert.ErrorIs(t, err, ErrForbidden)

	rejected, err := f.svc.Reject(ctx, second, "", "Hours not confirmed", lead)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Equal(t, "Lead Person", rejected.RejectedBy)
}

func TestLifecycle_ApproverWithoutCallerUsesGivenUserID(t *testing.T) {
	f := newFixture(t, Options{RequireTeamHead: true})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, saved.ID, "u1", nil)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, saved.ID, "Lead Person", nil)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Reject(ctx, saved.ID, "", "Hours not confirmed", nil)
	assert.ErrorIs(t, err, ErrForbidden)

	rejected, err := f.svc.Reject(ctx, saved.ID, "lead", "Hours not confirmed", nil)
	require.NoError(t, err)
	assert.Equal(t, "lead", rejected.RejectedBy)
}

func TestLifecycle_ApproveRequiresPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, saved.ID, "lead", nil)
	var verr *validation.Error
	require.ErrorAs(t, err, &verr)
}

func TestLifecycle_HistoryFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, Options{})
	f.history.fail = true
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	submitted, err := f.svc.Submit(ctx, saved.ID, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, submitted.Status)
}

func TestArchiveAndUnArchive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Archive(ctx, saved.ID, "boss", nil))
	got, err := f.store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.Equal(t, "boss", got.ModifiedBy)
	assert.True(t, got.ModifiedDate.Equal(f.now))
	assert.Equal(t, models.StatusNew, got.Status)

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.svc.UnArchive(ctx, saved.ID, "", &models.Caller{Username: "lead"}))
	got, err = f.store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)
	assert.Equal(t, "lead", got.ModifiedBy)
	assert.True(t, got.ModifiedDate.Equal(f.now))

	assert.ErrorIs(t, f.svc.Archive(ctx, 999, "boss", nil), ErrNotFound)
}

func TestList_ArchivedWindow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	old, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)
	recent, _, err := f.svc.Save(ctx, validEntry("u1", day(11)), nil)
	require.NoError(t, err)
	active, _, err := f.svc.Save(ctx, validEntry("u1", day(12)), nil)
	require.NoError(t, err)

	f.now = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.Archive(ctx, old.ID, "boss", nil))
	f.now = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.Archive(ctx, recent.ID, "boss", nil))
	f.now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	got, err := f.svc.List(ctx, day(1), day(31), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)

	got, err = f.svc.List(ctx, time.Time{}, time.Time{}, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
}

func TestList_DayBounds(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	late := validEntry("u1", day(10).Add(23*time.Hour+30*time.Minute))
	_, _, err := f.svc.Save(ctx, late, nil)
	require.NoError(t, err)
	_, _, err = f.svc.Save(ctx, validEntry("u1", day(11)), nil)
	require.NoError(t, err)

	got, err := f.svc.List(ctx, day(10).Add(15*time.Hour), day(10).Add(time.Hour), false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQuery_Dispatch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for _, uid := range []string{"u1", "u2", "u3"} {
		_, _, err := f.svc.Save(ctx, validEntry(uid, day(10)), nil)
		require.NoError(t, err)
	}

	got, err := f.svc.Query(ctx, ListQuery{From: day(1), To: day(31), UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].UserID)

	got, err = f.svc.Query(ctx, ListQuery{From: day(1), To: day(31)})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// forRole without a user falls back to the plain list
	got, err = f.svc.Query(ctx, ListQuery{From: day(1), To: day(31), ForRole: true})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestListForRole(t *testing.T) {
	f := newFixture(t, Options{RoleLookupConcurrency: 2})
	ctx := context.Background()
	for _, uid := range []string{"u1", "u1", "u2", "u3", "u3"} {
		_, _, err := f.svc.Save(ctx, validEntry(uid, day(10)), nil)
		require.NoError(t, err)
	}

	got, err := f.svc.ListForRole(ctx, day(1), day(31), "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, e := range got {
		assert.NotEqual(t, "u3", e.UserID)
	}
	// one lookup per distinct user
	assert.EqualValues(t, 3, f.identity.roleCalls.Load())
}

func TestListForRole_LookupFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.identity.failRoleOf = "u3"
	ctx := context.Background()
	_, _, err := f.svc.Save(ctx, validEntry("u3", day(10)), nil)
	require.NoError(t, err)

	_, err = f.svc.ListForRole(ctx, day(1), day(31), "u1")
	var ue *upstream.Error
	assert.ErrorAs(t, err, &ue)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	saved, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, saved.ID))
	_, err = f.svc.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, f.svc.Delete(ctx, saved.ID))
}

func TestInitHistory(t *testing.T) {
	f := newFixture(t, Options{HistoryConcurrency: 1})
	ctx := context.Background()
	first, _, err := f.svc.Save(ctx, validEntry("u1", day(10)), nil)
	require.NoError(t, err)
	second, _, err := f.svc.Save(ctx, validEntry("u2", day(11)), nil)
	require.NoError(t, err)

	f.history.appended = nil
	f.history.existing["1"] = []upstream.HistoryRecord{{RecordID: "1"}}
	require.Equal(t, uint(1), first.ID)

	require.NoError(t, f.svc.InitHistory(ctx))
	recs := f.history.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].RecordID)
	assert.Equal(t, "u2", recs[0].UserID)
	assert.True(t, recs[0].Date.Equal(second.CreatedDate))
	assert.Contains(t, recs[0].State, `"userId":"u2"`)
}
