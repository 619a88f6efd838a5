package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db       *gorm.DB
	userAuth *auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Post("/signup", s.Signup)
		r.Get("/login", s.LoginWithEmail)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
	})

	return r
}

type signupRequest struct {
	OrganizationName string `json:"organization_name"`
	OrganizationSlug string `json:"organization_slug"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

type signupResponse struct {
	OrganizationId uuid.UUID `json:"organization_id"`
	UserId         uuid.UUID `json:"user_id"`
	AccessToken    string    `json:"access_token"`
}

// Signup creates a new organization with the caller as its admin.
func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params signupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.OrganizationName == "" || params.Username == "" || params.Email == "" || params.Password == "" {
		http.Error(w, "organization_name, username, email, and password are required", http.StatusUnprocessableEntity)
		return
	}
	if params.OrganizationSlug == "" {
		http.Error(w, "organization_slug is required", http.StatusUnprocessableEntity)
		return
	}

	signup, err := s.userAuth.SignupOrganization(params.OrganizationName, params.OrganizationSlug, params.Username, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			responseCode = http.StatusConflict
		case errors.Is(err, auth.ErrSlugAlreadyInUse):
			responseCode = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("signup failed: %v", err), responseCode)
		return
	}

	res := signupResponse{OrganizationId: signup.OrganizationId, UserId: signup.UserId, AccessToken: signup.AccessToken}
	utils.WriteJsonResponse(w, res)
}

type loginResponse struct {
	UserId         uuid.UUID `json:"user_id"`
	OrganizationId uuid.UUID `json:"organization_id"`
	AccessToken    string    `json:"access_token"`
}

func (s *UserService) LoginWithEmail(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	login, err := s.userAuth.LoginWithEmail(email, password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithEmail):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	res := loginResponse{UserId: login.UserId, OrganizationId: login.OrganizationId, AccessToken: login.AccessToken}
	utils.WriteJsonResponse(w, res)
}

type UserInfo struct {
	Id             uuid.UUID `json:"id"`
	OrganizationId uuid.UUID `json:"organization_id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	AvatarUrl      string    `json:"avatar_url,omitempty"`
}

func convertToUserInfo(user *schema.User) UserInfo {
	return UserInfo{
		Id:             user.Id,
		OrganizationId: user.OrganizationId,
		Username:       user.Username,
		Email:          user.Email,
		Role:           user.Role,
		AvatarUrl:      user.AvatarUrl,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	info := convertToUserInfo(&user)
	utils.WriteJsonResponse(w, info)
}
