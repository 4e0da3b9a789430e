package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lesson-draw-api/internal/models"
	"github.com/noah-isme/lesson-draw-api/pkg/config"
	appErrors "github.com/noah-isme/lesson-draw-api/pkg/errors"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	CountByRole(ctx context.Context, role models.UserRole) (int, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	BulkUpdateWindow(ctx context.Context, ids []string, start, end time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type userMirror interface {
	MirrorUser(user models.User, created bool)
}

// CreateUserRequest represents payload for creating users.
type CreateUserRequest struct {
	Email            string          `json:"email" validate:"required,email"`
	FullName         string          `json:"full_name" validate:"required,max=255"`
	Password         string          `json:"password" validate:"omitempty,min=3"`
	Role             models.UserRole `json:"role" validate:"omitempty,oneof=ADMIN MANAGER TEACHER"`
	SubjectGroup     string          `json:"subject_group" validate:"max=100"`
	DrawStartTime    *time.Time      `json:"draw_start_time"`
	DrawEndTime      *time.Time      `json:"draw_end_time"`
	ForceSingleGrade bool            `json:"force_single_grade"`
}

// UpdateUserRequest payload for updating profile fields.
type UpdateUserRequest struct {
	Email        string `json:"email" validate:"required,email"`
	FullName     string `json:"full_name" validate:"required,max=255"`
	SubjectGroup string `json:"subject_group" validate:"max=100"`
	Password     string `json:"password" validate:"omitempty,min=3"`
}

// RoleRequest changes a user's role.
type RoleRequest struct {
	Role models.UserRole `json:"role" validate:"required,oneof=ADMIN MANAGER TEACHER"`
}

// WindowRequest sets a draw window.
type WindowRequest struct {
	DrawStartTime time.Time `json:"draw_start_time" validate:"required"`
	DrawEndTime   time.Time `json:"draw_end_time" validate:"required"`
}

// BulkWindowRequest sets the same draw window on several users.
type BulkWindowRequest struct {
	UserIDs       []string  `json:"user_ids" validate:"required,min=1,dive,required"`
	DrawStartTime time.Time `json:"draw_start_time" validate:"required"`
	DrawEndTime   time.Time `json:"draw_end_time" validate:"required"`
}

// GradeRestrictionRequest toggles the single-grade restriction.
type GradeRestrictionRequest struct {
	ForceSingleGrade *bool `json:"force_single_grade" validate:"required"`
}

// UserService handles roster administration.
type UserService struct {
	repo      userRepository
	validator *validator.Validate
	mirror    userMirror
	logger    *zap.Logger
	hasher    func(string) (string, error)
	now       func() time.Time
}

// NewUserService creates an instance of UserService. mirror may be nil.
func NewUserService(repo userRepository, validate *validator.Validate, mirror userMirror, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, validator: validate, mirror: mirror, logger: logger, hasher: HashPassword, now: time.Now}
}

// List returns paginated users and pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	pagination := &models.Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}

	return users, pagination, nil
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Create adds a new user. Managers may only create teachers. Without an
// explicit window the user may draw from now for 24 hours.
func (s *UserService) Create(ctx context.Context, req CreateUserRequest, actor models.Actor) (*models.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid create user payload")
	}
	if req.Role == "" {
		req.Role = models.RoleTeacher
	}
	if actor.Role != models.RoleAdmin && req.Role != models.RoleTeacher {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only administrators can create privileged accounts")
	}

	if err := s.ensureEmailFree(ctx, req.Email, ""); err != nil {
		return nil, err
	}

	now := s.now()
	start, end := now, now.Add(24*time.Hour)
	if req.DrawStartTime != nil {
		start = *req.DrawStartTime
	}
	if req.DrawEndTime != nil {
		end = *req.DrawEndTime
	}
	if end.Before(start) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "draw_end_time must not be before draw_start_time")
	}

	password := req.Password
	if password == "" {
		password = defaultPassword
	}
	passwordHash, err := s.hasher(password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:               uuid.NewString(),
		Email:            req.Email,
		FullName:         req.FullName,
		Role:             req.Role,
		SubjectGroup:     strings.TrimSpace(req.SubjectGroup),
		PasswordHash:     passwordHash,
		DrawStartTime:    start.UTC(),
		DrawEndTime:      end.UTC(),
		ForceSingleGrade: req.ForceSingleGrade,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.audit(ctx, actor, models.AuditActionUserCreate, user.ID, nil, map[string]interface{}{"email": user.Email, "role": user.Role})
	s.mirrorUser(*user, true)
	return user, nil
}

// Update modifies profile fields and optionally the password.
func (s *UserService) Update(ctx context.Context, id string, req UpdateUserRequest, actor models.Actor) (*models.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload")
	}

	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.Email, req.Email) {
		if err := s.ensureEmailFree(ctx, req.Email, user.ID); err != nil {
			return nil, err
		}
	}

	oldPayload := map[string]interface{}{"email": user.Email, "full_name": user.FullName, "subject_group": user.SubjectGroup}
	user.Email = req.Email
	user.FullName = req.FullName
	user.SubjectGroup = strings.TrimSpace(req.SubjectGroup)

	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	if req.Password != "" {
		hash, err := s.hasher(req.Password)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
		}
		if err := s.repo.UpdatePassword(ctx, user.ID, hash, s.now().UTC()); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
		}
		user.PasswordHash = hash
	}

	s.audit(ctx, actor, models.AuditActionUserUpdate, user.ID, oldPayload, map[string]interface{}{
		"email": user.Email, "full_name": user.FullName, "subject_group": user.SubjectGroup, "password_changed": req.Password != "",
	})
	s.mirrorUser(*user, false)
	return user, nil
}

// ChangeRole assigns a new role. The last administrator cannot be demoted.
func (s *UserService) ChangeRole(ctx context.Context, id string, req RoleRequest, actor models.Actor) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid role")
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Role == req.Role {
		return user, nil
	}
	if user.Role == models.RoleAdmin {
		if err := s.ensureOtherAdmin(ctx); err != nil {
			return nil, err
		}
	}

	oldRole := user.Role
	user.Role = req.Role
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, models.AuditActionUserUpdate, user.ID, map[string]interface{}{"role": oldRole}, map[string]interface{}{"role": user.Role})
	s.mirrorUser(*user, false)
	return user, nil
}

// SetWindow replaces a user's draw window.
func (s *UserService) SetWindow(ctx context.Context, id string, req WindowRequest, actor models.Actor) (*models.User, error) {
	if err := s.validateWindow(req.DrawStartTime, req.DrawEndTime, req); err != nil {
		return nil, err
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	oldPayload := map[string]interface{}{"draw_start_time": user.DrawStartTime, "draw_end_time": user.DrawEndTime}
	user.DrawStartTime = req.DrawStartTime.UTC()
	user.DrawEndTime = req.DrawEndTime.UTC()
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, models.AuditActionUserUpdate, user.ID, oldPayload, map[string]interface{}{"draw_start_time": user.DrawStartTime, "draw_end_time": user.DrawEndTime})
	s.mirrorUser(*user, false)
	return user, nil
}

// BulkSetWindow applies one draw window to many users and returns how many
// were updated. Unknown ids are ignored.
func (s *UserService) BulkSetWindow(ctx context.Context, req BulkWindowRequest, actor models.Actor) (int64, error) {
	if err := s.validateWindow(req.DrawStartTime, req.DrawEndTime, req); err != nil {
		return 0, err
	}
	ids := dedupe(req.UserIDs)
	updated, err := s.repo.BulkUpdateWindow(ctx, ids, req.DrawStartTime.UTC(), req.DrawEndTime.UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update draw windows")
	}

	s.audit(ctx, actor, models.AuditActionUserUpdate, "", nil, map[string]interface{}{
		"user_ids": ids, "draw_start_time": req.DrawStartTime.UTC(), "draw_end_time": req.DrawEndTime.UTC(), "updated": updated,
	})
	if s.mirror != nil {
		for _, id := range ids {
			user, err := s.repo.FindByID(ctx, id)
			if err != nil {
				continue
			}
			s.mirror.MirrorUser(*user, false)
		}
	}
	return updated, nil
}

// SetGradeRestriction toggles whether the user must pick exactly one grade.
func (s *UserService) SetGradeRestriction(ctx context.Context, id string, req GradeRestrictionRequest, actor models.Actor) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade restriction payload")
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	old := user.ForceSingleGrade
	user.ForceSingleGrade = *req.ForceSingleGrade
	if err := s.save(ctx, user); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, models.AuditActionUserUpdate, user.ID, map[string]interface{}{"force_single_grade": old}, map[string]interface{}{"force_single_grade": user.ForceSingleGrade})
	s.mirrorUser(*user, false)
	return user, nil
}

// Delete removes a user. Administrators cannot delete themselves or the last administrator.
func (s *UserService) Delete(ctx context.Context, id string, actor models.Actor) error {
	if id == actor.ID {
		return appErrors.Clone(appErrors.ErrValidation, "cannot delete your own account")
	}
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if user.Role == models.RoleAdmin {
		if err := s.ensureOtherAdmin(ctx); err != nil {
			return err
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete user")
	}

	s.audit(ctx, actor, models.AuditActionUserDelete, user.ID, map[string]interface{}{"email": user.Email, "role": user.Role}, nil)
	return nil
}

// EnsureBootstrapAdmin creates the configured administrator when no
// administrator exists yet.
func (s *UserService) EnsureBootstrapAdmin(ctx context.Context, cfg config.BootstrapConfig) (bool, error) {
	count, err := s.repo.CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return false, err
	}
	if count > 0 || strings.TrimSpace(cfg.AdminEmail) == "" {
		return false, nil
	}
	if _, err := s.repo.FindByEmail(ctx, cfg.AdminEmail); err == nil {
		s.logger.Warn("bootstrap admin email already used by a non-admin account", zap.String("email", cfg.AdminEmail))
		return false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	hash, err := s.hasher(cfg.AdminPassword)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()
	admin := &models.User{
		ID:            uuid.NewString(),
		Email:         strings.TrimSpace(cfg.AdminEmail),
		PasswordHash:  hash,
		FullName:      "Quản Trị Viên",
		Role:          models.RoleAdmin,
		DrawStartTime: now,
		DrawEndTime:   now,
	}
	if err := s.repo.Create(ctx, admin); err != nil {
		return false, err
	}
	s.logger.Info("bootstrap administrator created", zap.String("email", admin.Email))
	return true, nil
}

func (s *UserService) validateWindow(start, end time.Time, req interface{}) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid draw window")
	}
	if end.Before(start) {
		return appErrors.Clone(appErrors.ErrValidation, "draw_end_time must not be before draw_start_time")
	}
	return nil
}

func (s *UserService) ensureEmailFree(ctx context.Context, email, selfID string) error {
	existing, err := s.repo.FindByEmail(ctx, email)
	if err == nil {
		if existing.ID != selfID {
			return appErrors.Clone(appErrors.ErrConflict, "email already exists")
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
	}
	return nil
}

func (s *UserService) ensureOtherAdmin(ctx context.Context) error {
	admins, err := s.repo.CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count administrators")
	}
	if admins <= 1 {
		return appErrors.Clone(appErrors.ErrConflict, "the last administrator cannot be removed")
	}
	return nil
}

func (s *UserService) save(ctx context.Context, user *models.User) error {
	if err := s.repo.Update(ctx, user); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}
	return nil
}

func (s *UserService) audit(ctx context.Context, actor models.Actor, action, resourceID string, oldValues, newValues interface{}) {
	entry := &models.AuditLog{
		Action:    action,
		Resource:  "users",
		IPAddress: actor.IP,
		UserAgent: actor.UserAgent,
	}
	if actor.ID != "" {
		entry.UserID = &actor.ID
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	if oldValues != nil {
		entry.OldValues, _ = json.Marshal(oldValues)
	}
	if newValues != nil {
		entry.NewValues, _ = json.Marshal(newValues)
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record user audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *UserService) mirrorUser(user models.User, created bool) {
	if s.mirror != nil {
		s.mirror.MirrorUser(user, created)
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
