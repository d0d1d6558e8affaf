// Package acquisition resolves raw BIDS inputs for one pipeline run and
// normalises them into the MRtrix container.
package acquisition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pithecene-io/dwiflow/bridge"
)

// Series is one raw NIfTI image with its optional side files.
type Series struct {
	Image   string
	BVec    string
	BVal    string
	Sidecar string
}

// HasGradients reports whether both FSL gradient files exist.
func (s Series) HasGradients() bool {
	return fileExists(s.BVec) && fileExists(s.BVal)
}

// BIDSLayout is a filesystem view of a BIDS dataset.
type BIDSLayout struct {
	Root string
}

// NewBIDSLayout validates that root is a directory.
func NewBIDSLayout(root string) (*BIDSLayout, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("bids root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bids root %s is not a directory", root)
	}
	return &BIDSLayout{Root: root}, nil
}

// Subjects lists subject identifiers (without "sub-"), sorted.
func (l *BIDSLayout) Subjects() ([]string, error) {
	return listPrefixed(l.Root, "sub-")
}

// Sessions lists session identifiers (without "ses-") of subject, sorted.
func (l *BIDSLayout) Sessions(subject string) ([]string, error) {
	return listPrefixed(filepath.Join(l.Root, "sub-"+subject), "ses-")
}

// HasSession reports whether the subject/session directory exists.
func (l *BIDSLayout) HasSession(subject, session string) bool {
	return fileExists(l.sessionDir(subject, session))
}

func (l *BIDSLayout) sessionDir(subject, session string) string {
	return filepath.Join(l.Root, "sub-"+subject, "ses-"+session)
}

func (l *BIDSLayout) prefix(subject, session string) string {
	return fmt.Sprintf("sub-%s_ses-%s", subject, session)
}

// DWI returns the diffusion series for an acquisition tag.
func (l *BIDSLayout) DWI(subject, session, acq string) (Series, bool) {
	name := fmt.Sprintf("%s_acq-%s_dwi.nii.gz", l.prefix(subject, session), acq)
	return l.series(filepath.Join(l.sessionDir(subject, session), "dwi", name))
}

// Pepolar returns the reverse phase-encode reference for direction "AP" or
// "PA". The fmap/ epi file is preferred over a dwi/ file with a dir- entity.
func (l *BIDSLayout) Pepolar(subject, session, acq, dir string) (Series, bool) {
	base := fmt.Sprintf("%s_acq-%s_dir-%s", l.prefix(subject, session), acq, dir)
	candidates := []string{
		filepath.Join(l.sessionDir(subject, session), "fmap", base+"_epi.nii.gz"),
		filepath.Join(l.sessionDir(subject, session), "dwi", base+"_epi.nii.gz"),
		filepath.Join(l.sessionDir(subject, session), "dwi", base+"_dwi.nii.gz"),
	}
	for _, c := range candidates {
		if s, ok := l.series(c); ok {
			return s, true
		}
	}
	return Series{}, false
}

// T1 returns the structural image of the session, if any.
func (l *BIDSLayout) T1(subject, session string) (string, bool) {
	anat := filepath.Join(l.sessionDir(subject, session), "anat")
	exact := filepath.Join(anat, l.prefix(subject, session)+"_T1w.nii.gz")
	if fileExists(exact) {
		return exact, true
	}
	matches, _ := filepath.Glob(filepath.Join(anat, l.prefix(subject, session)+"_*T1w.nii.gz"))
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

// HasAcquisition reports whether any file of the session carries acq-<acq>
// or a numbered partial acq-<acq>N.
func (l *BIDSLayout) HasAcquisition(subject, session, acq string) bool {
	pattern := filepath.Join(l.sessionDir(subject, session), "*", "*_acq-"+acq+"*")
	matches, _ := filepath.Glob(pattern)
	return len(matches) > 0
}

func (l *BIDSLayout) series(image string) (Series, bool) {
	if !fileExists(image) {
		return Series{}, false
	}
	bvec, bval := bridge.GradientFiles(image)
	stem, _ := bridge.SplitExt(image)
	return Series{Image: image, BVec: bvec, BVal: bval, Sidecar: stem + ".json"}, true
}

func listPrefixed(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, strings.TrimPrefix(e.Name(), prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
