package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"alps/internal/config"
)

// Requirement defines an external tool the pipeline invokes.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name" yaml:"name"`
	Command     string `json:"command" yaml:"command"`
	Description string `json:"description" yaml:"description"`
	Optional    bool   `json:"optional" yaml:"optional"`
	Available   bool   `json:"available" yaml:"available"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	Detail      string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Requirements lists every tool binary named by cfg. Distortion correction
// tools are optional unless the feature is enabled; mrinfo is optional unless
// it backs the dimension probe.
func Requirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	t := cfg.Tools
	dc := !cfg.Pipeline.DistortionCorrection
	return []Requirement{
		{Name: "dcm2niix", Command: t.Dcm2niix, Description: "DICOM to NIfTI conversion"},
		{Name: "dwidenoise", Command: t.Dwidenoise, Description: "MP-PCA denoising"},
		{Name: "mrdegibbs", Command: t.Mrdegibbs, Description: "Gibbs ringing removal"},
		{Name: "mrinfo", Command: t.Mrinfo, Description: "Volume dimension probe", Optional: t.Probe != config.ProbeTool},
		{Name: "fslmerge", Command: t.Fslmerge, Description: "Reference volume merge for topup", Optional: dc},
		{Name: "topup", Command: t.Topup, Description: "Susceptibility field estimation", Optional: dc},
		{Name: "applytopup", Command: t.Applytopup, Description: "Distortion correction", Optional: dc},
		{Name: "fslroi", Command: t.Fslroi, Description: "Reference volume extraction"},
		{Name: "bet", Command: t.Bet, Description: "Brain extraction"},
		{Name: "dtifit", Command: t.Dtifit, Description: "Diffusion tensor fit"},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		resolved, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Path = resolved
		results = append(results, status)
	}
	return results
}

// Missing returns the required dependencies that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}
