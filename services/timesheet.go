// Package services implements the timesheet entry lifecycle on top of the store and the
// collaborator services.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DavidNemeth/TimeSheet-App/database"
	"github.com/DavidNemeth/TimeSheet-App/models"
	"github.com/DavidNemeth/TimeSheet-App/upstream"
	"github.com/DavidNemeth/TimeSheet-App/validation"
)

// EntryStore is the persistence the service needs.
type EntryStore interface {
	Get(ctx context.Context, id uint) (*models.TimesheetEntry, error)
	List(ctx context.Context, f database.EntryFilter) ([]models.TimesheetEntry, error)
	All(ctx context.Context) ([]models.TimesheetEntry, error)
	Create(ctx context.Context, entry *models.TimesheetEntry) error
	Update(ctx context.Context, entry *models.TimesheetEntry) (*models.TimesheetEntry, error)
	SetArchived(ctx context.Context, id uint, archived bool, by string, at time.Time) error
	Delete(ctx context.Context, id uint) error
}

// RoleLookup resolves identity information for a user.
type RoleLookup interface {
	GetUserRole(ctx context.Context, userID string) (string, error)
	IsTeamHead(ctx context.Context, userID string) (bool, error)
}

// HistoryRecorder stores entry snapshots in the entity history service.
type HistoryRecorder interface {
	List(ctx context.Context, entityType int, recordID string) ([]upstream.HistoryRecord, error)
	Append(ctx context.Context, rec upstream.HistoryRecord) error
}

type Options struct {
	DefaultMachine string
	// StrictTransitions rejects saves that move the status outside the lifecycle table.
	StrictTransitions bool
	// RequireTeamHead limits approve and reject to team heads.
	RequireTeamHead       bool
	ArchiveRetention      time.Duration
	RoleLookupConcurrency int
	// HistoryConcurrency bounds the history service calls made by InitHistory.
	HistoryConcurrency int
}

// ListQuery mirrors the list endpoint parameters. ForRole only applies together with UserID.
type ListQuery struct {
	From     time.Time
	To       time.Time
	UserID   string
	ForRole  bool
	Archived bool
}

type TimesheetService struct {
	store     EntryStore
	validator *validation.Validator
	identity  RoleLookup
	history   HistoryRecorder
	opts      Options
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewTimesheetService(store EntryStore, v *validation.Validator, identity RoleLookup, history HistoryRecorder, opts Options, logger *zap.SugaredLogger) *TimesheetService {
	if opts.ArchiveRetention <= 0 {
		opts.ArchiveRetention = 365 * 24 * time.Hour
	}
	if opts.DefaultMachine == "" {
		opts.DefaultMachine = "PM3"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TimesheetService{
		store:     store,
		validator: v,
		identity:  identity,
		history:   history,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *TimesheetService) Get(ctx context.Context, id uint) (*models.TimesheetEntry, error) {
	return s.store.Get(ctx, id)
}

// Query dispatches to the role, owner or plain list depending on the parameters.
func (s *TimesheetService) Query(ctx context.Context, q ListQuery) ([]models.TimesheetEntry, error) {
	switch {
	case q.ForRole && q.UserID != "":
		return s.ListForRole(ctx, q.From, q.To, q.UserID)
	case q.UserID != "":
		return s.ListForUser(ctx, q.UserID, q.From, q.To)
	default:
		return s.List(ctx, q.From, q.To, q.Archived)
	}
}

// List returns non-archived entries dated within [from, to]. With archived set it instead
// returns archived entries modified within the retention window, ignoring the dates.
func (s *TimesheetService) List(ctx context.Context, from, to time.Time, archived bool) ([]models.TimesheetEntry, error) {
	if archived {
		return s.store.List(ctx, database.EntryFilter{
			Archived:      true,
			ModifiedAfter: s.now().Add(-s.opts.ArchiveRetention),
		})
	}
	return s.store.List(ctx, dayRange(from, to))
}

func (s *TimesheetService) ListForUser(ctx context.Context, userID string, from, to time.Time) ([]models.TimesheetEntry, error) {
	f := dayRange(from, to)
	f.UserID = userID
	return s.store.List(ctx, f)
}

// ListForRole returns the in-range entries whose owners share the role of userID.
func (s *TimesheetService) ListForRole(ctx context.Context, from, to time.Time, userID string) ([]models.TimesheetEntry, error) {
	if s.identity == nil {
		return nil, errors.New("role lookup is not configured")
	}
	cache := newRoleCache(s.identity)
	role, err := cache.role(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.store.List(ctx, dayRange(from, to))
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(entries))
	for _, e := range entries {
		owners = append(owners, e.UserID)
	}
	if err := cache.resolve(ctx, owners, s.opts.RoleLookupConcurrency); err != nil {
		return nil, err
	}

	out := make([]models.TimesheetEntry, 0, len(entries))
	for _, e := range entries {
		if owner, _ := cache.get(e.UserID); owner == role {
			out = append(out, e)
		}
	}
	return out, nil
}

func dayRange(from, to time.Time) database.EntryFilter {
	f := database.EntryFilter{}
	if !from.IsZero() {
		f.From = models.StartOfDay(from)
	}
	if !to.IsZero() {
		f.To = models.EndOfDay(to)
	}
	return f
}

// Save inserts the entry when its id is zero and updates the stored row otherwise. The
// returned bool reports whether a row was created.
func (s *TimesheetService) Save(ctx context.Context, entry *models.TimesheetEntry, caller *models.Caller) (*models.TimesheetEntry, bool, error) {
	entry.ApplyDefaults(s.opts.DefaultMachine)
	if err := s.validator.Validate(entry); err != nil {
		return nil, false, err
	}
	if entry.IsNew() {
		saved, err := s.create(ctx, entry, caller)
		return saved, true, err
	}
	saved, err := s.update(ctx, entry, caller)
	return saved, false, err
}

// Update saves the entry under the id taken from the request path.
func (s *TimesheetService) Update(ctx context.Context, id uint, entry *models.TimesheetEntry, caller *models.Caller) (*models.TimesheetEntry, error) {
	if entry.ID != id {
		return nil, ErrIDMismatch
	}
	saved, _, err := s.Save(ctx, entry, caller)
	return saved, err
}

func (s *TimesheetService) create(ctx context.Context, entry *models.TimesheetEntry, caller *models.Caller) (*models.TimesheetEntry, error) {
	if s.opts.StrictTransitions && !models.CanTransition(models.StatusNew, entry.Status) {
		return nil, validation.NewError("status", validation.KeyInvalidStatusTransition)
	}
	entry.CreatedDate = s.now()
	entry.CreatedBy = firstNonEmpty(caller.DisplayName(), entry.CreatedBy, entry.UserID)
	entry.ModifiedBy = ""
	entry.ModifiedDate = nil
	entry.Archived = false

	if err := s.store.Create(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Infow("timesheet entry created", "id", entry.ID, "user_id", entry.UserID)
	s.record(ctx, upstream.HistoryCreated, entry, entry.CreatedBy)
	return entry, nil
}

func (s *TimesheetService) update(ctx context.Context, entry *models.TimesheetEntry, caller *models.Caller) (*models.TimesheetEntry, error) {
	current, err := s.store.Get(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if s.opts.StrictTransitions && !models.CanTransition(current.Status, entry.Status) {
		return nil, validation.NewError("status", validation.KeyInvalidStatusTransition)
	}

	now := s.now()
	entry.ModifiedDate = &now
	entry.ModifiedBy = firstNonEmpty(caller.DisplayName(), entry.ModifiedBy, entry.Username)
	// archiving has its own endpoints
	entry.Archived = current.Archived

	saved, err := s.store.Update(ctx, entry)
	if err != nil {
		return nil, err
	}
	if saved.Status != current.Status {
		s.logger.Infow("timesheet entry status changed", "id", saved.ID, "from", current.Status.String(), "to", saved.Status.String())
		s.record(ctx, upstream.HistoryUpdated, saved, saved.ModifiedBy)
	}
	return saved, nil
}

func (s *TimesheetService) Delete(ctx context.Context, id uint) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("timesheet entry deleted", "id", id)
	return nil
}

// Archive hides the entry from the regular lists without touching its status.
func (s *TimesheetService) Archive(ctx context.Context, id uint, by string, caller *models.Caller) error {
	return s.setArchived(ctx, id, true, by, caller)
}

func (s *TimesheetService) UnArchive(ctx context.Context, id uint, by string, caller *models.Caller) error {
	return s.setArchived(ctx, id, false, by, caller)
}

func (s *TimesheetService) setArchived(ctx context.Context, id uint, archived bool, by string, caller *models.Caller) error {
	by = firstNonEmpty(caller.DisplayName(), by)
	if err := s.store.SetArchived(ctx, id, archived, by, s.now()); err != nil {
		return err
	}
	s.logger.Infow("timesheet entry archive flag changed", "id", id, "archived", archived, "by", by)
	return nil
}

// Submit moves a new entry to Pending.
func (s *TimesheetService) Submit(ctx context.Context, id uint, by string, caller *models.Caller) (*models.TimesheetEntry, error) {
	return s.transition(ctx, id, models.StatusPending, by, caller, func(e *models.TimesheetEntry) {})
}

// Approve marks a pending entry approved by the given approver.
func (s *TimesheetService) Approve(ctx context.Context, id uint, by string, caller *models.Caller) (*models.TimesheetEntry, error) {
	by, err := s.approver(ctx, by, caller)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, models.StatusApproved, by, caller, func(e *models.TimesheetEntry) {
		e.ApprovedBy = by
		e.RejectedBy = ""
		e.RejectionReason = ""
	})
}

// Reject marks a pending entry rejected. The reason is validated like any other field.
func (s *TimesheetService) Reject(ctx context.Context, id uint, by, reason string, caller *models.Caller) (*models.TimesheetEntry, error) {
	by, err := s.approver(ctx, by, caller)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, models.StatusRejected, by, caller, func(e *models.TimesheetEntry) {
		e.RejectedBy = by
		e.RejectionReason = reason
		e.ApprovedBy = ""
	})
}

// approver returns the name stamped on a decision after checking the acting user may make
// it. An authenticated caller is checked by user id and stamped by display name; without one
// the given value is both.
func (s *TimesheetService) approver(ctx context.Context, by string, caller *models.Caller) (string, error) {
	userID := by
	if caller != nil {
		userID = caller.UserID
		by = firstNonEmpty(caller.DisplayName(), by)
	}
	if err := s.checkApprover(ctx, userID); err != nil {
		return "", err
	}
	return by, nil
}

func (s *TimesheetService) checkApprover(ctx context.Context, userID string) error {
	if !s.opts.RequireTeamHead {
		return nil
	}
	if userID == "" {
		return ErrForbidden
	}
	if s.identity == nil {
		return errors.New("team head lookup is not configured")
	}
	ok, err := s.identity.IsTeamHead(ctx, userID)
	if err != nil {
		return fmt.Errorf("check team head %s: %w", userID, err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// transition applies a lifecycle action. Actions always follow the lifecycle table.
func (s *TimesheetService) transition(ctx context.Context, id uint, to models.Status, by string, caller *models.Caller, apply func(*models.TimesheetEntry)) (*models.TimesheetEntry, error) {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := entry.Status
	if from == to || !models.CanTransition(from, to) {
		return nil, validation.NewError("status", validation.KeyInvalidStatusTransition)
	}

	entry.Status = to
	apply(entry)
	entry.ApplyDefaults(s.opts.DefaultMachine)
	if err := s.validator.Validate(entry); err != nil {
		return nil, err
	}

	now := s.now()
	entry.ModifiedDate = &now
	entry.ModifiedBy = firstNonEmpty(caller.DisplayName(), by, entry.Username)
	saved, err := s.store.Update(ctx, entry)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("timesheet entry status changed", "id", id, "from", from.String(), "to", to.String(), "by", saved.ModifiedBy)
	s.record(ctx, upstream.HistoryUpdated, saved, saved.ModifiedBy)
	return saved, nil
}

// record appends a history snapshot. Failures are logged and never returned.
func (s *TimesheetService) record(ctx context.Context, action upstream.HistoryAction, entry *models.TimesheetEntry, userID string) {
	if s.history == nil {
		return
	}
	state, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warnw("encode history state", "id", entry.ID, "error", err)
		return
	}
	at := s.now()
	if action == upstream.HistoryCreated {
		at = entry.CreatedDate
	}
	rec := upstream.NewHistoryRecord(action, entry.ID, at, string(state), userID)
	if err := s.history.Append(ctx, rec); err != nil {
		s.logger.Warnw("append history failed", "id", entry.ID, "action", action, "error", err)
	}
}

// InitHistory writes a creation record for every stored entry that has no history yet.
func (s *TimesheetService) InitHistory(ctx context.Context) error {
	if s.history == nil {
		return errors.New("history service is not configured")
	}
	entries, err := s.store.All(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.opts.HistoryConcurrency > 0 {
		g.SetLimit(s.opts.HistoryConcurrency)
	}
	for i := range entries {
		entry := &entries[i]
		g.Go(func() error {
			recordID := strconv.FormatUint(uint64(entry.ID), 10)
			existing, err := s.history.List(ctx, upstream.EntityTimesheetEntry, recordID)
			if err != nil {
				return fmt.Errorf("history of entry %d: %w", entry.ID, err)
			}
			if len(existing) > 0 {
				return nil
			}
			state, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", entry.ID, err)
			}
			rec := upstream.NewHistoryRecord(upstream.HistoryCreated, entry.ID, entry.CreatedDate, string(state), entry.UserID)
			if err := s.history.Append(ctx, rec); err != nil {
				return fmt.Errorf("append history of entry %d: %w", entry.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Infow("history initialized", "entries", len(entries))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
