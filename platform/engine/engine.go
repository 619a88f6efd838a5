// Package engine defines the contract with the external design rule check
// engine. The platform never inspects a board itself; it hands an uploaded
// artifact to the engine and records whatever result comes back.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
)

type Issue struct {
	Id                 string   `json:"id"`
	IssueCode          string   `json:"issue_code"`
	Severity           string   `json:"severity"`
	Category           string   `json:"category"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	SuggestedFix       string   `json:"suggested_fix,omitempty"`
	AffectedNets       []string `json:"affected_nets,omitempty"`
	AffectedComponents []string `json:"affected_components,omitempty"`
	Layer              string   `json:"layer,omitempty"`
}

type Summary struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

type BoardInfo struct {
	SizeX           float64 `json:"size_x"`
	SizeY           float64 `json:"size_y"`
	LayerCount      int     `json:"layer_count"`
	ComponentsCount int     `json:"components_count"`
	NetsCount       int     `json:"nets_count"`
}

type Result struct {
	Summary          Summary            `json:"summary"`
	RiskLevel        string             `json:"risk_level"`
	BoardInfo        BoardInfo          `json:"board_info"`
	IssuesByCategory map[string][]Issue `json:"issues_by_category"`
}

// AllIssues flattens the category buckets into a single list.
func (r Result) AllIssues() []Issue {
	issues := make([]Issue, 0)
	for _, bucket := range r.IssuesByCategory {
		issues = append(issues, bucket...)
	}
	return issues
}

func (r Result) ToJson() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("error serializing analysis result: %w", err)
	}
	return string(data), nil
}

func ResultFromJson(resultJson string) (Result, error) {
	var result Result
	if err := json.Unmarshal([]byte(resultJson), &result); err != nil {
		return Result{}, fmt.Errorf("error parsing analysis result: %w", err)
	}
	return result, nil
}

type Request struct {
	AnalysisId   uuid.UUID `json:"analysis_id"`
	ArtifactPath string    `json:"artifact_path"`
	EdaTool      string    `json:"eda_tool"`
	Profile      Profile   `json:"profile"`
}

type Client interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}
