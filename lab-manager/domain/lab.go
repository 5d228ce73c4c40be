package domain

import (
	"context"
	"time"
)

const (
	DefaultLabDuration  = time.Hour
	MinInstanceDuration = time.Minute
	MaxInstanceDuration = 4 * time.Hour

	// DefaultLabInstanceCap applies to labs that leave their per-user cap unset.
	DefaultLabInstanceCap = 5
)

type LabCategory string

const (
	CategoryWebSecurity     LabCategory = "web_security"
	CategoryNetworkSecurity LabCategory = "network_security"
	CategoryCryptography    LabCategory = "cryptography"
	CategoryExploitation    LabCategory = "exploitation"
	CategoryDefensive       LabCategory = "defensive"
	CategoryForensics       LabCategory = "forensics"
)

type LabDifficulty string

const (
	DifficultyBeginner     LabDifficulty = "beginner"
	DifficultyIntermediate LabDifficulty = "intermediate"
	DifficultyAdvanced     LabDifficulty = "advanced"
	DifficultyExpert       LabDifficulty = "expert"
)

// Blueprint describes how to provision the target of a lab.
type Blueprint struct {
	Image       string            `json:"image" yaml:"image"`
	Ports       []PortMapping     `json:"ports" yaml:"ports"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Command     []string          `json:"command,omitempty" yaml:"command,omitempty"`
	MemoryLimit string            `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
	CPULimit    string            `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`
}

type Lab struct {
	ID                  string
	Name                string
	Category            LabCategory
	Difficulty          LabDifficulty
	IsActive            bool
	DefaultDuration     time.Duration
	MaxInstancesPerUser int
	Blueprint           Blueprint
}

// EffectiveDuration clamps a caller override into the allowed window, falling
// back to the lab default.
func (l *Lab) EffectiveDuration(override *time.Duration) time.Duration {
	if override != nil {
		return ClampDuration(*override)
	}
	if l.DefaultDuration <= 0 {
		return DefaultLabDuration
	}
	return l.DefaultDuration
}

func (l *Lab) InstanceCap() int {
	if l.MaxInstancesPerUser <= 0 {
		return DefaultLabInstanceCap
	}
	return l.MaxInstancesPerUser
}

func ClampDuration(d time.Duration) time.Duration {
	if d < MinInstanceDuration {
		return MinInstanceDuration
	}
	if d > MaxInstanceDuration {
		return MaxInstanceDuration
	}
	return d
}

// LabCatalog is the read-only view of the lab catalog.
type LabCatalog interface {
	FindLabByID(ctx context.Context, labID string) (*Lab, error)
}
