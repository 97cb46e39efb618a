// SPDX-License-Identifier: MIT

package admission

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/riffbench/riffbench/internal/model"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	maxNameLen        = 200
	maxParameterLen   = 512
)

// modelRefPattern accepts registry identifiers; path separators and traversal
// are rejected by construction.
var modelRefPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Validate checks a draft in submission order: title, tracks, chains,
// stages, model references. The first violation wins.
func Validate(d Draft) error {
	if n := utf8.RuneCountInString(d.Title); n < 1 || n > maxTitleLen {
		return &InvalidShootoutError{Field: "title", Reason: "length_1_to_200_required"}
	}
	if utf8.RuneCountInString(d.Description) > maxDescriptionLen {
		return &InvalidShootoutError{Field: "description", Reason: "too_long"}
	}

	if len(d.DITracks) == 0 {
		return &InvalidShootoutError{Field: "di_tracks", Reason: "non_empty_required"}
	}
	for _, tr := range d.DITracks {
		if !safeUploadPath(tr.Path) {
			return &InvalidShootoutError{Field: "di_tracks.path", Reason: "relative_upload_path_required"}
		}
	}

	if len(d.SignalChains) == 0 {
		return &InvalidShootoutError{Field: "signal_chains", Reason: "non_empty_required"}
	}
	for _, chain := range d.SignalChains {
		if n := utf8.RuneCountInString(chain.Name); n < 1 || n > maxNameLen {
			return &InvalidShootoutError{Field: "signal_chains.name", Reason: "length_1_to_200_required"}
		}
		if len(chain.Stages) == 0 {
			return &InvalidShootoutError{Field: "signal_chains.stages", Reason: "non_empty_required"}
		}
		for _, st := range chain.Stages {
			if !st.Kind.Valid() {
				return &InvalidShootoutError{Field: "signal_chains.stages.kind", Reason: "unknown_stage_kind"}
			}
			if st.Parameter == "" || len(st.Parameter) > maxParameterLen {
				return &InvalidShootoutError{Field: "signal_chains.stages.parameter", Reason: "length_1_to_512_required"}
			}
			if st.Kind == model.StageModel || st.Kind == model.StageIR {
				if !modelRefPattern.MatchString(st.Parameter) {
					return &InvalidShootoutError{Field: "signal_chains.stages.parameter", Reason: "invalid_model_ref"}
				}
			}
		}
	}
	return nil
}

// safeUploadPath accepts only clean relative paths that stay inside the
// uploads root.
func safeUploadPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return clean == p
}
