package service

import (
	"context"
	"errors"

	"github.com/geolake/geolake/internal/ledger"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type UserService struct {
	store  store.Store
	ledger *ledger.Ledger
	opts   options
}

func NewUserService(s store.Store, opts ...Option) *UserService {
	return &UserService{store: s, ledger: ledger.New(s), opts: newOptions(opts...)}
}

// EnsureUser returns the user of an external auth subject, creating it with
// the standard role and a fresh api key on first sight.
func (u *UserService) EnsureUser(ctx context.Context, subject string, contactName string) (*model.User, error) {
	if subject == "" {
		return nil, NewErrInvalidRequest("auth subject is required")
	}

	user, err := u.store.User().GetByAuthSubject(ctx, subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}

	role, err := u.store.Role().GetByName(ctx, model.RoleStandard)
	if err != nil {
		return nil, err
	}

	_, err = u.store.User().Create(ctx, model.User{
		AuthSubject: subject,
		APIKey:      uuid.NewString(),
		ContactName: contactName,
		RoleID:      role.ID,
		CreatedOn:   u.opts.now(),
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return nil, err
	}

	// re-read to get the role, and the winner of a concurrent creation
	user, err = u.store.User().GetByAuthSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	zap.S().Named("user_service").Infow("user ensured", "user_id", user.ID, "subject", subject)
	return user, nil
}

func (u *UserService) Authenticate(ctx context.Context, apiKey string) (*model.User, error) {
	if apiKey == "" {
		return nil, NewErrUnauthenticated()
	}
	user, err := u.store.User().GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrUnauthenticated()
		}
		return nil, err
	}
	return user, nil
}

func (u *UserService) Get(ctx context.Context, id uint) (*model.User, error) {
	user, err := u.store.User().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrUserNotFound(id)
		}
		return nil, err
	}
	return user, nil
}

func (u *UserService) SetRole(ctx context.Context, actor model.User, id uint, roleName string) (*model.User, error) {
	if !actor.IsAdmin() {
		return nil, NewErrForbidden(actor.ID, "change roles")
	}

	role, err := u.store.Role().GetByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrInvalidRequest("unknown role " + roleName)
		}
		return nil, err
	}

	if err := u.store.User().UpdateRole(ctx, id, role.ID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrUserNotFound(id)
		}
		return nil, err
	}

	zap.S().Named("user_service").Infow("role changed", "user_id", id, "role", roleName, "by", actor.ID)
	return u.Get(ctx, id)
}

// Usage summarizes the artifacts of a user. Users see their own usage only.
func (u *UserService) Usage(ctx context.Context, actor model.User, id uint) (*model.Usage, error) {
	if !actor.IsAdmin() && actor.ID != id {
		return nil, NewErrForbidden(actor.ID, "read the usage of another user")
	}
	if _, err := u.Get(ctx, id); err != nil {
		return nil, err
	}
	return u.ledger.Usage(ctx, id)
}
