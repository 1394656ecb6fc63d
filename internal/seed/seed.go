// Package seed resolves the generation seed of a run.
//
// A seed is resolved once and frozen into the manifest; every later resume
// reuses the recorded value regardless of the job's policy.
package seed

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"vidax/internal/job"
	"vidax/internal/services"
)

// Source of the resolved value.
const (
	SourceRecorded  = "recorded"
	SourceRandom    = "random"
	SourceJob       = "job"
	SourceGenerated = "generated"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Value  uint32
	Policy string
	Source string
}

// Resolver draws random seeds from Rand (crypto/rand by default).
type Resolver struct {
	Rand io.Reader
}

// Resolve applies the seed policy. A recorded seed always wins.
func (r Resolver) Resolve(recorded *uint32, policy string, jobSeed json.Number) (Resolution, error) {
	if policy == "" {
		policy = job.SeedPolicyFixed
	}
	if recorded != nil {
		return Resolution{Value: *recorded, Policy: policy, Source: SourceRecorded}, nil
	}
	switch policy {
	case job.SeedPolicyRandom:
		v, err := r.generate()
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Value: v, Policy: policy, Source: SourceRandom}, nil
	case job.SeedPolicyFixed:
		if jobSeed != "" {
			v, err := Normalize(jobSeed)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Value: v, Policy: policy, Source: SourceJob}, nil
		}
		v, err := r.generate()
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Value: v, Policy: policy, Source: SourceGenerated}, nil
	default:
		return Resolution{}, services.New(services.CodeValidation, fmt.Sprintf("unknown seed policy %q", policy), map[string]any{"field": "comfyui.seed_policy"})
	}
}

// Resolve uses the default crypto/rand resolver.
func Resolve(recorded *uint32, policy string, jobSeed json.Number) (Resolution, error) {
	return Resolver{}.Resolve(recorded, policy, jobSeed)
}

// Normalize validates a seed literal into [0, 2^32-1].
func Normalize(value json.Number) (uint32, error) {
	v, err := job.ParseSeed(value)
	if err != nil {
		return 0, services.Wrap(services.CodeValidation, err.Error(), err, map[string]any{"field": "comfyui.seed", "value": value.String()})
	}
	return v, nil
}

// Generate returns a cryptographically random seed.
func Generate() (uint32, error) {
	return Resolver{}.generate()
}

func (r Resolver) generate() (uint32, error) {
	src := r.Rand
	if src == nil {
		src = rand.Reader
	}
	var buf [4]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return 0, fmt.Errorf("generate seed: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
