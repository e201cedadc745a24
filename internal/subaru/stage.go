package subaru

import (
	"fmt"
	"strconv"
	"strings"
)

// Stage is one named, orderable unit of build work. Its executor is the
// script of the same name under the scripts dir; the script owns no
// knowledge of the pipeline and reports only an exit status.
type Stage struct {
	Name            string
	Order           int
	CPUSharePercent int // 100 means the full core budget
	MemoryLimitMB   int // 0 means unlimited
}

// Outcome of one stage within a run.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "Succeeded"
	case OutcomeSkipped:
		return "Skipped"
	case OutcomeFailed:
		return "Failed"
	}
	return "Pending"
}

// defaultStageNames is the build order for a bootable sauzerOS image.
var defaultStageNames = []string{
	"toolchain", "kernel", "libc", "userland", "initramfs", "image",
}

// StagesFromConfig builds the ordered stage table. SUBARU_STAGES overrides
// the stage list (space separated); STAGE_<NAME>_CPU and STAGE_<NAME>_MEM
// override the per-stage resource ceilings.
func StagesFromConfig(cfg *Config) ([]Stage, error) {
	names := defaultStageNames
	if s := cfg.Values["SUBARU_STAGES"]; s != "" {
		names = strings.Fields(s)
	}

	stages := make([]Stage, 0, len(names))
	for i, name := range names {
		st := Stage{
			Name:            name,
			Order:           i + 1,
			CPUSharePercent: 100,
		}
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v := cfg.Values["STAGE_"+key+"_CPU"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 100 {
				return nil, fmt.Errorf("invalid CPU share %q for stage %s", v, name)
			}
			st.CPUSharePercent = n
		}
		if v := cfg.Values["STAGE_"+key+"_MEM"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid memory limit %q for stage %s", v, name)
			}
			st.MemoryLimitMB = n
		}
		stages = append(stages, st)
	}

	if err := validateStages(stages); err != nil {
		return nil, err
	}
	return stages, nil
}

// validateStages enforces the ordering invariant: unique names, order values
// contiguous and strictly increasing from 1.
func validateStages(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("stage list is empty")
	}
	seen := make(map[string]struct{}, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i+1)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("duplicate stage name %s", st.Name)
		}
		seen[st.Name] = struct{}{}
		if st.Order != i+1 {
			return fmt.Errorf("stage %s has order %d, want %d", st.Name, st.Order, i+1)
		}
	}
	return nil
}

// findStage resolves a stage name to its entry, or ErrInvalidStage.
func findStage(stages []Stage, name string) (Stage, error) {
	for _, st := range stages {
		if st.Name == name {
			return st, nil
		}
	}
	return Stage{}, fmt.Errorf("%w: %s", ErrInvalidStage, name)
}
