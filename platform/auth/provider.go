package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no user found for given email")
	ErrInvalidCredentials    = errors.New("invalid login credentials")
	ErrGeneratingJwt         = errors.New("error generating jwt")
	ErrEmailAlreadyInUse     = errors.New("email is already in use")
	ErrSlugAlreadyInUse      = errors.New("organization slug is already in use")
)

type LoginResult struct {
	UserId         uuid.UUID
	OrganizationId uuid.UUID
	AccessToken    string
}

type SignupResult struct {
	OrganizationId uuid.UUID
	UserId         uuid.UUID
	AccessToken    string
}

// IdentityProvider handles signup, login, and request authentication. Every
// user belongs to exactly one organization, created at signup.
type IdentityProvider struct {
	jwtManager *JwtManager
	db         *gorm.DB
	auditLog   AuditLogger
}

func NewIdentityProvider(db *gorm.DB, auditLog AuditLogger, secret []byte) *IdentityProvider {
	return &IdentityProvider{
		jwtManager: NewJwtManager(secret),
		db:         db,
		auditLog:   auditLog,
	}
}

func (auth *IdentityProvider) addUserToContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			userId, err := ValueFromContext(r, userIdKey)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			userUUID, err := uuid.Parse(userId)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid user uuid '%v': %v'", userId, err), http.StatusUnauthorized)
				return
			}

			user, err := schema.GetUser(userUUID, auth.db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", userId, err), http.StatusInternalServerError)
				return
			}

			reqCtx := r.Context()
			reqCtx = context.WithValue(reqCtx, userRequestContextKey, user)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *IdentityProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.jwtManager.Verifier(), auth.jwtManager.Authenticator(), auth.addUserToContext(), auth.auditLog.Middleware}
}

func (auth *IdentityProvider) LoginWithEmail(email, password string) (LoginResult, error) {
	var user schema.User
	result := auth.db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return LoginResult{}, ErrUserNotFoundWithEmail
		}
		slog.Error("sql error looking up user by email", "error", result.Error)
		return LoginResult{}, schema.ErrDbAccessFailed
	}

	err := bcrypt.CompareHashAndPassword(user.Password, []byte(password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := auth.jwtManager.CreateUserJwt(user.Id)
	if err != nil {
		return LoginResult{}, ErrGeneratingJwt
	}

	return LoginResult{UserId: user.Id, OrganizationId: user.OrganizationId, AccessToken: token}, nil
}

// SignupOrganization creates a new organization along with its first user, who
// becomes the organization admin.
func (auth *IdentityProvider) SignupOrganization(orgName, slug, username, email, password string) (SignupResult, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return SignupResult{}, fmt.Errorf("error encrypting password: %w", err)
	}

	org := schema.Organization{
		Id:        uuid.New(),
		Name:      orgName,
		Slug:      slug,
		Plan:      schema.PlanFree,
		CreatedAt: time.Now().UTC(),
	}
	admin := schema.User{
		Id:             uuid.New(),
		OrganizationId: org.Id,
		Username:       username,
		Email:          email,
		Password:       hashedPwd,
		Role:           schema.RoleAdmin,
		CreatedAt:      time.Now().UTC(),
	}

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		var existingOrg schema.Organization
		result := txn.Limit(1).Find(&existingOrg, "slug = ?", slug)
		if result.Error != nil {
			slog.Error("sql error checking for existing organization slug", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return ErrSlugAlreadyInUse
		}

		var existingUser schema.User
		result = txn.Limit(1).Find(&existingUser, "email = ?", email)
		if result.Error != nil {
			slog.Error("sql error checking for existing email", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return ErrEmailAlreadyInUse
		}

		if result := txn.Create(&org); result.Error != nil {
			slog.Error("sql error creating organization", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result := txn.Create(&admin); result.Error != nil {
			slog.Error("sql error creating organization admin user", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})
	if err != nil {
		return SignupResult{}, err
	}

	token, err := auth.jwtManager.CreateUserJwt(admin.Id)
	if err != nil {
		return SignupResult{}, ErrGeneratingJwt
	}

	return SignupResult{OrganizationId: org.Id, UserId: admin.Id, AccessToken: token}, nil
}

// CreateUser adds a new member to an existing organization.
func (auth *IdentityProvider) CreateUser(orgId uuid.UUID, username, email, password, role string) (uuid.UUID, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("error encrypting password: %w", err)
	}

	newUser := schema.User{
		Id:             uuid.New(),
		OrganizationId: orgId,
		Username:       username,
		Email:          email,
		Password:       hashedPwd,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}

	err = auth.db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "email = ?", email)
		if result.Error != nil {
			slog.Error("sql error checking for existing email", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return ErrEmailAlreadyInUse
		}

		result = txn.Create(&newUser)
		if result.Error != nil {
			slog.Error("sql error creating new user entry", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		return uuid.UUID{}, err
	}

	return newUser.Id, nil
}

func (auth *IdentityProvider) GetTokenExpiration(r *http.Request) (time.Time, error) {
	token, _, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return time.Time{}, fmt.Errorf("error retrieving access token: %w", err)
	}

	return token.Expiration(), nil
}
