package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/auth"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/platform/schema"
	"github.com/boardmint12-cloud/boardmint-pcb-analyzer/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OrgService struct {
	db       *gorm.DB
	userAuth *auth.IdentityProvider
}

func (s *OrgService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/current", s.Current)
		r.Get("/members", s.ListMembers)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly())

		r.Patch("/current", s.Update)
		r.Post("/members", s.CreateMember)
		r.Post("/members/{user_id}/role", s.ChangeRole)
		r.Delete("/members/{user_id}", s.RemoveMember)
	})

	return r
}

type OrgInfo struct {
	Id        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      string    `json:"plan"`
	Members   int64     `json:"members"`
	Projects  int64     `json:"projects"`
}

func (s *OrgService) Current(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	org, err := schema.GetOrganization(user.OrganizationId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrOrganizationNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("error getting organization: %v", err), http.StatusInternalServerError)
		return
	}

	var members, projects int64
	if result := s.db.Model(&schema.User{}).Where("organization_id = ?", org.Id).Count(&members); result.Error != nil {
		slog.Error("sql error counting organization members", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}
	if result := s.db.Model(&schema.Project{}).Where("organization_id = ?", org.Id).Count(&projects); result.Error != nil {
		slog.Error("sql error counting organization projects", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	info := OrgInfo{Id: org.Id, Name: org.Name, Slug: org.Slug, Plan: org.Plan, Members: members, Projects: projects}
	utils.WriteJsonResponse(w, info)
}

type updateOrgRequest struct {
	Name *string `json:"name"`
	Plan *string `json:"plan"`
}

func (s *OrgService) Update(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params updateOrgRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Plan != nil {
		switch *params.Plan {
		case schema.PlanFree, schema.PlanPro, schema.PlanEnterprise:
		default:
			http.Error(w, fmt.Sprintf("invalid plan '%v'", *params.Plan), http.StatusUnprocessableEntity)
			return
		}
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		org, err := schema.GetOrganization(user.OrganizationId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrOrganizationNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if params.Name != nil {
			org.Name = *params.Name
		}
		if params.Plan != nil {
			org.Plan = *params.Plan
		}

		if result := txn.Save(&org); result.Error != nil {
			slog.Error("sql error updating organization", "org_id", org.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error updating organization: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *OrgService) ListMembers(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var users []schema.User
	result := s.db.Where("organization_id = ?", user.OrganizationId).Order("created_at asc").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing organization members", "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing members: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, convertToUserInfo(&u))
	}
	utils.WriteJsonResponse(w, infos)
}

type createMemberRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *OrgService) CreateMember(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params createMemberRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Role == "" {
		params.Role = schema.RoleMember
	}
	if params.Role != schema.RoleAdmin && params.Role != schema.RoleMember {
		http.Error(w, fmt.Sprintf("invalid role '%v'", params.Role), http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.userAuth.CreateUser(admin.OrganizationId, params.Username, params.Email, params.Password, params.Role)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrEmailAlreadyInUse) {
			responseCode = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("error creating member: %v", err), responseCode)
		return
	}

	utils.WriteJsonResponse(w, map[string]uuid.UUID{"user_id": userId})
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (s *OrgService) ChangeRole(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params changeRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Role != schema.RoleAdmin && params.Role != schema.RoleMember {
		http.Error(w, fmt.Sprintf("invalid role '%v'", params.Role), http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		if user.OrganizationId != admin.OrganizationId {
			return CodedError(schema.ErrUserNotFound, http.StatusNotFound)
		}

		if user.IsAdmin() && params.Role == schema.RoleMember {
			var admins int64
			result := txn.Model(&schema.User{}).
				Where("organization_id = ? AND role = ?", admin.OrganizationId, schema.RoleAdmin).
				Count(&admins)
			if result.Error != nil {
				slog.Error("sql error counting organization admins", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if admins < 2 {
				return CodedError(fmt.Errorf("cannot demote admin %v since the organization would have no admins left", userId), http.StatusUnprocessableEntity)
			}
		}

		user.Role = params.Role
		if result := txn.Save(&user); result.Error != nil {
			slog.Error("sql error updating member role", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error changing member role: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

// RemoveMember deletes a user from the organization. Records the user created
// are reassigned to the acting admin so project history survives.
func (s *OrgService) RemoveMember(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if userId == admin.Id {
		http.Error(w, "admins cannot remove themselves from the organization", http.StatusUnprocessableEntity)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		if user.OrganizationId != admin.OrganizationId {
			return CodedError(schema.ErrUserNotFound, http.StatusNotFound)
		}

		reassignments := []struct {
			model  interface{}
			column string
		}{
			{&schema.Project{}, "created_by"},
			{&schema.ProjectVersion{}, "uploaded_by"},
			{&schema.FileComment{}, "created_by"},
			{&schema.IssueComment{}, "created_by"},
			{&schema.Analysis{}, "created_by"},
		}
		for _, re := range reassignments {
			result := txn.Model(re.model).Where(re.column+" = ?", userId).Update(re.column, admin.Id)
			if result.Error != nil {
				slog.Error("sql error reassigning records of removed member", "user_id", userId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		// The member's versions now carry the admin's uploaded_by, so their
		// contributor rows merge into the admin's to keep the ledger matching.
		var contributions []schema.ProjectContributor
		if result := txn.Where("user_id = ?", userId).Find(&contributions); result.Error != nil {
			slog.Error("sql error listing contributor rows of removed member", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		for _, contribution := range contributions {
			if err := mergeContribution(txn, contribution, admin.Id); err != nil {
				return err
			}
		}

		if result := txn.Where("user_id = ?", userId).Delete(&schema.ProjectContributor{}); result.Error != nil {
			slog.Error("sql error deleting contributor rows of removed member", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if result := txn.Delete(&schema.User{Id: userId}); result.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		http.Error(w, fmt.Sprintf("error removing member %v: %v", userId, err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func mergeContribution(txn *gorm.DB, from schema.ProjectContributor, toUserId uuid.UUID) error {
	var target schema.ProjectContributor
	result := txn.Limit(1).Find(&target, "project_id = ? AND user_id = ?", from.ProjectId, toUserId)
	if result.Error != nil {
		slog.Error("sql error looking up contributor row", "project_id", from.ProjectId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	if result.RowsAffected == 0 {
		from.UserId = toUserId
		if result := txn.Create(&from); result.Error != nil {
			slog.Error("sql error creating contributor row", "project_id", from.ProjectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	}

	updates := map[string]interface{}{
		"contribution_count": gorm.Expr("contribution_count + ?", from.ContributionCount),
	}
	if from.FirstContributionAt.Before(target.FirstContributionAt) {
		updates["first_contribution_at"] = from.FirstContributionAt
	}
	if from.LastContributionAt.After(target.LastContributionAt) {
		updates["last_contribution_at"] = from.LastContributionAt
	}
	if from.Role == schema.ContributorOwner {
		updates["role"] = schema.ContributorOwner
	}

	result = txn.Model(&schema.ProjectContributor{}).
		Where("project_id = ? AND user_id = ?", from.ProjectId, toUserId).
		Updates(updates)
	if result.Error != nil {
		slog.Error("sql error merging contributor counts", "project_id", from.ProjectId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}
