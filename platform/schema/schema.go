package schema

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	ContributorOwner       = "owner"
	ContributorContributor = "contributor"
)

const (
	Pending   = "pending"
	Running   = "running"
	Completed = "completed"
	Failed    = "failed"
)

const (
	IssueOpen         = "open"
	IssueAcknowledged = "acknowledged"
	IssueResolved     = "resolved"
	IssueWontFix      = "wont_fix"
)

type Organization struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"size:255;not null"`
	Slug string `gorm:"unique;size:100;not null"`
	Plan string `gorm:"size:50;not null;default:'free'"`

	CreatedAt time.Time

	Users    []User    `gorm:"constraint:OnDelete:CASCADE"`
	Projects []Project `gorm:"constraint:OnDelete:CASCADE"`
}

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	OrganizationId uuid.UUID `gorm:"type:uuid;not null;index"`

	Username string `gorm:"size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	Role      string `gorm:"size:50;not null;default:'member'"`
	AvatarUrl string `gorm:"size:500"`

	CreatedAt time.Time
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type Project struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	OrganizationId uuid.UUID `gorm:"type:uuid;not null;index"`

	Name        string `gorm:"size:255;not null"`
	Description string
	UserComment string
	EdaTool     string `gorm:"size:50"`

	// Weak reference to the latest ProjectVersion, maintained alongside
	// VersionCount in the upload transaction.
	CurrentVersionId *uuid.UUID `gorm:"type:uuid"`
	VersionCount     int        `gorm:"not null;default:0"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	Creator   *User     `gorm:"foreignKey:CreatedBy"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Versions     []ProjectVersion     `gorm:"constraint:OnDelete:CASCADE"`
	Contributors []ProjectContributor `gorm:"constraint:OnDelete:CASCADE"`
	FileComments []FileComment        `gorm:"constraint:OnDelete:CASCADE"`
	Analyses     []Analysis           `gorm:"constraint:OnDelete:CASCADE"`
}

// ProjectVersion rows are immutable once created. The unique index on
// (project_id, version_number) backs the gapless numbering invariant.
type ProjectVersion struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_project_version,priority:1"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_project_version,priority:2"`

	VersionName string `gorm:"size:100"`
	Description string

	ArtifactPath     string `gorm:"size:500;not null"`
	OriginalFilename string `gorm:"size:255;not null"`
	FileSizeBytes    int64
	EdaTool          string `gorm:"size:50"`
	FileTreeJson     string

	UploadedBy uuid.UUID `gorm:"type:uuid;not null"`
	Uploader   *User     `gorm:"foreignKey:UploadedBy"`

	CreatedAt time.Time
}

type ProjectContributor struct {
	ProjectId uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    uuid.UUID `gorm:"type:uuid;primaryKey"`

	Role string `gorm:"size:50;not null;default:'contributor'"`

	ContributionCount   int `gorm:"not null;default:1"`
	FirstContributionAt time.Time
	LastContributionAt  time.Time

	User *User `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
}

type Analysis struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null;index"`
	// Denormalized from the project so status polls are a single tenant-scoped lookup.
	OrganizationId uuid.UUID `gorm:"type:uuid;not null;index"`
	VersionId      uuid.UUID `gorm:"type:uuid;not null"`

	FabProfile string `gorm:"size:100;not null"`

	Status       string `gorm:"size:50;not null"`
	Progress     string `gorm:"size:255"`
	ErrorMessage string
	ResultJson   string

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	IssueComments []IssueComment `gorm:"constraint:OnDelete:CASCADE"`
}

func (a *Analysis) Terminal() bool {
	return a.Status == Completed || a.Status == Failed
}

type FileComment struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null;index"`
	FilePath  string    `gorm:"size:500;not null;index"`
	Body      string    `gorm:"not null"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	Author    *User     `gorm:"foreignKey:CreatedBy"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type IssueComment struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	AnalysisId uuid.UUID `gorm:"type:uuid;not null;index"`
	IssueId    string    `gorm:"size:100;not null;index"`
	Body       string    `gorm:"not null"`
	Status     string    `gorm:"size:50;not null;default:'open'"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	Author    *User     `gorm:"foreignKey:CreatedBy"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func ValidIssueStatus(status string) bool {
	switch status {
	case IssueOpen, IssueAcknowledged, IssueResolved, IssueWontFix:
		return true
	}
	return false
}
