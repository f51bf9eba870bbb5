package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/clinic/internal/domain/notification"
	"github.com/clinicdesk/clinic/internal/platform/apperr"
	"github.com/clinicdesk/clinic/internal/platform/auth"
	"github.com/clinicdesk/clinic/internal/platform/db"
)

// ResetRequestedMessage is returned whether or not the email is known.
const ResetRequestedMessage = "If the email exists, a code has been sent."

type Config struct {
	ResetCodeTTL time.Duration
}

type Service struct {
	users    UserRepository
	notifier notification.Notifier
	tx       db.Transactor
	hasher   *auth.PasswordHasher
	issuer   *auth.Issuer
	resetTTL time.Duration
	logger   zerolog.Logger

	now       func() time.Time
	resetCode func() (string, error)
}

func NewService(users UserRepository, notifier notification.Notifier, tx db.Transactor,
	hasher *auth.PasswordHasher, issuer *auth.Issuer, cfg Config, logger zerolog.Logger) *Service {
	if cfg.ResetCodeTTL <= 0 {
		cfg.ResetCodeTTL = 15 * time.Minute
	}
	return &Service{
		users:     users,
		notifier:  notifier,
		tx:        tx,
		hasher:    hasher,
		issuer:    issuer,
		resetTTL:  cfg.ResetCodeTTL,
		logger:    logger.With().Str("component", "identity").Logger(),
		now:       time.Now,
		resetCode: auth.GenerateResetCode,
	}
}

// -- Registration & sessions --

var patientRequired = []string{"age", "gender", "phone_number", "blood_group", "address", "medical_history"}

// Register creates a patient account. Self-service sign-up never grants
// staff roles; those come from CreateUser.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	if err := auth.Authorize(auth.Actor{}, auth.OpRegister, nil); err != nil {
		return nil, err
	}

	fields := map[string][]string{}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		fields["username"] = []string{"This field is required."}
	}
	if in.Password == "" {
		fields["password"] = []string{"This field is required."}
	}
	values := map[string]string{
		"age":             string(in.Age),
		"gender":          in.Gender,
		"phone_number":    in.PhoneNumber,
		"blood_group":     in.BloodGroup,
		"address":         in.Address,
		"medical_history": in.MedicalHistory,
	}
	for _, f := range patientRequired {
		if strings.TrimSpace(values[f]) == "" {
			fields[f] = []string{"This field is required for patients."}
		}
	}
	age, ok := parseAge(in.Age)
	if !ok {
		fields["age"] = []string{"A valid integer is required."}
	}
	checkLengths(fields, map[string]string{
		"username":     in.Username,
		"email":        in.Email,
		"phone_number": in.PhoneNumber,
		"gender":       in.Gender,
		"blood_group":  in.BloodGroup,
	})
	if len(fields) > 0 {
		return nil, apperr.ValidationFields(fields)
	}

	if err := s.checkUsername(ctx, in.Username); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(in.Email)
	if email != "" {
		if err := s.checkEmail(ctx, email, uuid.Nil); err != nil {
			return nil, err
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal("register", err)
	}
	u := &User{
		Username:       in.Username,
		Email:          strPtr(email),
		PasswordHash:   hash,
		Role:           auth.RolePatient,
		IsAvailable:    true,
		PhoneNumber:    strPtr(in.PhoneNumber),
		Address:        strPtr(in.Address),
		Age:            age,
		Gender:         strPtr(in.Gender),
		BloodGroup:     strPtr(in.BloodGroup),
		MedicalHistory: strPtr(in.MedicalHistory),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("patient registered")
	return u, nil
}

// Login accepts a username or an email address. Unknown accounts and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, apperr.Validation("Username and password are required")
	}

	u, err := s.lookupLogin(ctx, identifier)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Authentication("Invalid credentials")
		}
		return nil, err
	}
	ok, err := s.hasher.Verify(u.PasswordHash, password)
	if err != nil {
		return nil, apperr.Internal("login", err)
	}
	if !ok {
		return nil, apperr.Authentication("Invalid credentials")
	}

	pair, err := s.issuer.Issue(u.ID, u.Role, u.Username)
	if err != nil {
		return nil, apperr.Internal("issue tokens", err)
	}
	return &LoginResult{Refresh: pair.Refresh, Access: pair.Access, Role: u.Role, Username: u.Username}, nil
}

func (s *Service) lookupLogin(ctx context.Context, identifier string) (*User, error) {
	if strings.Contains(identifier, "@") {
		u, err := s.users.GetByEmail(ctx, identifier)
		if err == nil {
			return u, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}
	return s.users.GetByUsername(ctx, identifier)
}

// Refresh exchanges a refresh token for a new access token. The role is
// re-read so that admin role changes take effect on the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", apperr.ValidationFields(map[string][]string{"refresh": {"This field is required."}})
	}
	claims, err := s.issuer.Verify(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return "", apperr.Authentication("Token is invalid or expired")
	}
	actor, err := claims.Actor()
	if err != nil {
		return "", apperr.Authentication("Token is invalid or expired")
	}
	u, err := s.users.GetByID(ctx, actor.ID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return "", apperr.Authentication("Token is invalid or expired")
		}
		return "", err
	}
	access, err := s.issuer.IssueAccess(u.ID, u.Role, u.Username)
	if err != nil {
		return "", apperr.Internal("issue access token", err)
	}
	return access, nil
}

// -- Profile --

func (s *Service) GetProfile(ctx context.Context, actor auth.Actor) (*User, error) {
	if err := auth.Authorize(actor, auth.OpViewUser, &auth.Target{OwnerID: actor.ID}); err != nil {
		return nil, err
	}
	return s.users.GetByID(ctx, actor.ID)
}

func (s *Service) UpdateProfile(ctx context.Context, actor auth.Actor, patch ProfilePatch) (*User, error) {
	return s.EditUser(ctx, actor, actor.ID, patch)
}

// EditUser applies a partial profile edit to id. Role, username and
// password are not editable here, and only an admin may change an email.
// A doctor editing someone else is limited to the clinical fields of a
// patient record.
func (s *Service) EditUser(ctx context.Context, actor auth.Actor, id uuid.UUID, patch ProfilePatch) (*User, error) {
	if err := auth.Authorize(actor, auth.OpEditUser, &auth.Target{OwnerID: id}); err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == auth.RoleDoctor && !actor.Is(u.ID) {
		if u.Role != auth.RolePatient {
			return nil, apperr.Forbidden("%s: doctors may only edit patient records", auth.OpEditUser)
		}
		if patch.changesAccount(u) {
			return nil, apperr.Forbidden("%s: doctors may only change clinical fields", auth.OpEditUser)
		}
	}
	if err := s.applyPatch(ctx, actor, u, patch); err != nil {
		return nil, err
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) applyPatch(ctx context.Context, actor auth.Actor, u *User, p ProfilePatch) error {
	fields := p.lengthErrors()
	var age *int
	if p.Age != nil {
		var ok bool
		if age, ok = parseAge(*p.Age); !ok {
			fields["age"] = []string{"A valid integer is required."}
		}
	}
	if len(fields) > 0 {
		return apperr.ValidationFields(fields)
	}
	if p.Age != nil {
		u.Age = age
	}
	if p.Email != nil {
		email := strings.TrimSpace(*p.Email)
		if !strings.EqualFold(email, u.EmailAddress()) {
			if err := auth.Authorize(actor, auth.OpManageUsers, nil); err != nil {
				return apperr.Forbidden("%s: only an administrator may change an email address", auth.OpEditUser)
			}
			if email != "" {
				if err := s.checkEmail(ctx, email, u.ID); err != nil {
					return err
				}
			}
		}
		u.Email = strPtr(email)
	}
	if p.Specialization != nil {
		u.Specialization = strPtr(*p.Specialization)
	}
	if p.PhoneNumber != nil {
		u.PhoneNumber = strPtr(*p.PhoneNumber)
	}
	if p.Address != nil {
		u.Address = strPtr(*p.Address)
	}
	if p.Gender != nil {
		u.Gender = strPtr(*p.Gender)
	}
	if p.BloodGroup != nil {
		u.BloodGroup = strPtr(*p.BloodGroup)
	}
	if p.MedicalHistory != nil {
		u.MedicalHistory = strPtr(*p.MedicalHistory)
	}
	return nil
}

// -- Directory --

func (s *Service) ListDoctors(ctx context.Context, actor auth.Actor) ([]DoctorSummary, error) {
	if err := auth.Authorize(actor, auth.OpListDoctors, nil); err != nil {
		return nil, err
	}
	doctors, err := s.users.ListByRole(ctx, auth.RoleDoctor)
	if err != nil {
		return nil, err
	}
	out := make([]DoctorSummary, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, d.DoctorSummary())
	}
	return out, nil
}

// ToggleAvailability flips the calling doctor's availability flag and
// returns the new value.
func (s *Service) ToggleAvailability(ctx context.Context, actor auth.Actor) (bool, error) {
	if err := auth.Authorize(actor, auth.OpToggleAvailability, nil); err != nil {
		return false, err
	}
	return s.users.ToggleAvailability(ctx, actor.ID)
}

func (s *Service) ListUsers(ctx context.Context, actor auth.Actor, f UserFilter) ([]*User, int, error) {
	if err := auth.Authorize(actor, auth.OpListUsers, nil); err != nil {
		return nil, 0, err
	}
	if f.Role != "" && !f.Role.Valid() {
		return nil, 0, apperr.Validation("Invalid role")
	}
	return s.users.List(ctx, f)
}

func (s *Service) GetUser(ctx context.Context, actor auth.Actor, id uuid.UUID) (*User, error) {
	if err := auth.Authorize(actor, auth.OpViewUser, &auth.Target{OwnerID: id}); err != nil {
		return nil, err
	}
	return s.users.GetByID(ctx, id)
}

// -- Administration --

func (s *Service) CreateUser(ctx context.Context, actor auth.Actor, in CreateUserInput) (*User, error) {
	if err := auth.Authorize(actor, auth.OpManageUsers, nil); err != nil {
		return nil, err
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" || in.Password == "" || in.Email == "" || in.Role == "" {
		return nil, apperr.Validation("All fields required")
	}
	fields := map[string][]string{}
	checkLengths(fields, map[string]string{
		"username":       in.Username,
		"email":          in.Email,
		"specialization": in.Specialization,
	})
	if len(fields) > 0 {
		return nil, apperr.ValidationFields(fields)
	}
	role, err := auth.ParseRole(in.Role)
	if err != nil {
		return nil, apperr.Validation("Invalid role")
	}
	exists, err := s.users.UsernameExists(ctx, in.Username)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.Validation("User already exists")
	}
	if err := s.checkEmail(ctx, in.Email, uuid.Nil); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Internal("create user", err)
	}
	u := &User{
		Username:     in.Username,
		Email:        strPtr(in.Email),
		PasswordHash: hash,
		Role:         role,
		IsAvailable:  true,
	}
	if role == auth.RoleDoctor {
		u.Specialization = strPtr(strings.TrimSpace(in.Specialization))
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("actor_id", actor.ID.String()).Str("user_id", u.ID.String()).
		Str("role", string(role)).Msg("user created")
	return u, nil
}

// UpdateUser applies an admin change. Each of an email change, a role change
// and a password reset leaves the affected user a notification, written in
// the same transaction as the account update.
func (s *Service) UpdateUser(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateUserInput) (*User, error) {
	if err := auth.Authorize(actor, auth.OpManageUsers, nil); err != nil {
		return nil, err
	}
	if fields := (ProfilePatch{Email: in.Email, Specialization: in.Specialization}).lengthErrors(); len(fields) > 0 {
		return nil, apperr.ValidationFields(fields)
	}

	var updated *User
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetByID(ctx, id)
		if err != nil {
			return err
		}
		var notes []string

		if in.Email != nil {
			email := strings.TrimSpace(*in.Email)
			if email != "" && !strings.EqualFold(email, u.EmailAddress()) {
				if err := s.checkEmail(ctx, email, u.ID); err != nil {
					return err
				}
				u.Email = &email
				notes = append(notes, "Your account email has been updated by an administrator.")
			}
		}

		if in.Role != nil && *in.Role != "" && *in.Role != string(u.Role) {
			role, err := auth.ParseRole(*in.Role)
			if err != nil {
				return apperr.Validation("Invalid role")
			}
			if err := auth.Authorize(actor, auth.OpChangeRole, &auth.Target{OwnerID: u.ID}); err != nil {
				return err
			}
			notes = append(notes, fmt.Sprintf("Your account role has been changed from %s to %s.", u.Role, role))
			u.Role = role
		}

		if in.Specialization != nil && u.Role == auth.RoleDoctor {
			u.Specialization = strPtr(strings.TrimSpace(*in.Specialization))
		}

		if in.Password != nil && *in.Password != "" {
			hash, err := s.hasher.Hash(*in.Password)
			if err != nil {
				return apperr.Internal("update user", err)
			}
			u.PasswordHash = hash
			notes = append(notes, "Your password has been reset by an administrator.")
		}

		if err := s.users.Update(ctx, u); err != nil {
			return err
		}
		msgs := make([]notification.Message, 0, len(notes))
		for _, n := range notes {
			msgs = append(msgs, notification.Message{RecipientID: u.ID, Text: n})
		}
		if err := s.notifier.FanOut(ctx, msgs); err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) DeleteUser(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if err := auth.Authorize(actor, auth.OpDeleteUser, &auth.Target{OwnerID: id}); err != nil {
		return err
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("actor_id", actor.ID.String()).Str("user_id", id.String()).Msg("user deleted")
	return nil
}

// BootstrapAdmin creates the first administrator from the command line.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || password == "" {
		return nil, apperr.Validation("username and password are required")
	}
	if err := s.checkUsername(ctx, username); err != nil {
		return nil, err
	}
	if email != "" {
		if err := s.checkEmail(ctx, email, uuid.Nil); err != nil {
			return nil, err
		}
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, apperr.Internal("create admin", err)
	}
	u := &User{Username: username, Email: strPtr(email), PasswordHash: hash, Role: auth.RoleAdmin, IsAvailable: true}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// -- Password reset --

// RequestPasswordReset mails a one-time code to the account registered
// under email. The result is the same whether or not the account exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperr.Validation("Email is required")
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			s.logger.Debug().Msg("password reset requested for unknown email")
			return nil
		}
		return err
	}

	code, err := s.resetCode()
	if err != nil {
		return apperr.Internal("password reset", err)
	}
	if err := s.users.SetResetCode(ctx, u.ID, code, s.now().Add(s.resetTTL)); err != nil {
		return err
	}
	s.notifier.EmailTemplate(ctx, u.EmailAddress(), notification.TemplateResetCode, map[string]string{"code": code})
	return nil
}

// ConfirmPasswordReset sets a new password when code matches the pending,
// unexpired code. The code is cleared on success.
func (s *Service) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string) error {
	email = strings.TrimSpace(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" || newPassword == "" {
		return apperr.Validation("Missing fields")
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u.ResetCode == nil || *u.ResetCode == "" ||
		subtle.ConstantTimeCompare([]byte(*u.ResetCode), []byte(code)) != 1 {
		return apperr.Validation("Invalid code")
	}
	if u.ResetCodeExpiresAt == nil || !s.now().Before(*u.ResetCodeExpiresAt) {
		return apperr.Validation("Invalid code")
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperr.Internal("password reset", err)
	}
	return s.users.ResetPassword(ctx, u.ID, code, hash, s.now())
}

// -- Lookups for other domains --

// GetByRole loads id and checks that it holds role. A user with a
// different role is reported as missing under label.
func (s *Service) GetByRole(ctx context.Context, id uuid.UUID, role auth.Role, label string) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(label)
		}
		return nil, err
	}
	if u.Role != role {
		return nil, apperr.NotFound(label)
	}
	return u, nil
}

func (s *Service) ListByRole(ctx context.Context, role auth.Role) ([]*User, error) {
	return s.users.ListByRole(ctx, role)
}

func (s *Service) checkUsername(ctx context.Context, username string) error {
	exists, err := s.users.UsernameExists(ctx, username)
	if err != nil {
		return err
	}
	if exists {
		return apperr.ValidationFields(map[string][]string{"username": {"A user with that username already exists."}})
	}
	return nil
}

func (s *Service) checkEmail(ctx context.Context, email string, except uuid.UUID) error {
	taken, err := s.users.EmailTaken(ctx, email, except)
	if err != nil {
		return err
	}
	if taken {
		return apperr.Validation("Email already in use")
	}
	return nil
}
