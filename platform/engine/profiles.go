package engine

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

const DefaultProfile = "2l_cheap_proto"

// Profile is a fabrication rule profile the engine checks a board against.
// Dimensions are millimeters.
type Profile struct {
	Id               string  `yaml:"id" json:"id"`
	Name             string  `yaml:"name" json:"name"`
	Description      string  `yaml:"description" json:"description"`
	Layers           int     `yaml:"layers" json:"layers"`
	MinTraceWidth    float64 `yaml:"min_trace_width" json:"min_trace_width"`
	MinTraceSpacing  float64 `yaml:"min_trace_spacing" json:"min_trace_spacing"`
	MinViaDiameter   float64 `yaml:"min_via_diameter" json:"min_via_diameter"`
	MinViaDrill      float64 `yaml:"min_via_drill" json:"min_via_drill"`
	MinAnnularRing   float64 `yaml:"min_annular_ring" json:"min_annular_ring"`
	MaxAspectRatio   float64 `yaml:"max_aspect_ratio" json:"max_aspect_ratio"`
	CostLevel        string  `yaml:"cost_level" json:"cost_level"`
	RunTimeoutSecs   int     `yaml:"run_timeout_secs" json:"run_timeout_secs"`
}

type ProfileLibrary struct {
	profiles map[string]Profile
}

func DefaultProfiles() *ProfileLibrary {
	profiles := []Profile{
		{
			Id:              "2l_cheap_proto",
			Name:            "2-Layer Cheap Prototype",
			Description:     "Standard 2-layer board for budget prototype fabs",
			Layers:          2,
			MinTraceWidth:   0.15,
			MinTraceSpacing: 0.15,
			MinViaDiameter:  0.45,
			MinViaDrill:     0.3,
			MinAnnularRing:  0.075,
			MaxAspectRatio:  10.0,
			CostLevel:       "low",
			RunTimeoutSecs:  300,
		},
		{
			Id:              "4l_iot",
			Name:            "4-Layer IoT/Consumer",
			Description:     "Standard 4-layer for IoT and consumer electronics",
			Layers:          4,
			MinTraceWidth:   0.127,
			MinTraceSpacing: 0.127,
			MinViaDiameter:  0.4,
			MinViaDrill:     0.25,
			MinAnnularRing:  0.075,
			MaxAspectRatio:  12.0,
			CostLevel:       "medium",
			RunTimeoutSecs:  300,
		},
		{
			Id:              "6l_hdi",
			Name:            "6-Layer HDI",
			Description:     "High-density 6-layer for BGA and high-speed designs",
			Layers:          6,
			MinTraceWidth:   0.1,
			MinTraceSpacing: 0.1,
			MinViaDiameter:  0.3,
			MinViaDrill:     0.15,
			MinAnnularRing:  0.075,
			MaxAspectRatio:  15.0,
			CostLevel:       "high",
			RunTimeoutSecs:  600,
		},
	}

	lib := &ProfileLibrary{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		lib.profiles[p.Id] = p
	}
	return lib
}

// LoadProfiles reads additional profiles from a yaml file, overriding any
// built-in profile with the same id.
func LoadProfiles(path string) (*ProfileLibrary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading profile file %v: %w", path, err)
	}

	var loaded struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("error parsing profile file %v: %w", path, err)
	}

	lib := DefaultProfiles()
	for _, p := range loaded.Profiles {
		if p.Id == "" {
			return nil, fmt.Errorf("profile in %v is missing an id", path)
		}
		lib.profiles[p.Id] = p
	}
	return lib, nil
}

func (l *ProfileLibrary) Get(id string) (Profile, error) {
	profile, ok := l.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("unknown fab profile '%v'", id)
	}
	return profile, nil
}

func (l *ProfileLibrary) List() []Profile {
	profiles := make([]Profile, 0, len(l.profiles))
	for _, p := range l.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Id < profiles[j].Id })
	return profiles
}
