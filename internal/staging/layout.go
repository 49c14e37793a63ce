// Package staging owns the on-disk layout of a template build and the
// removal of its scratch space.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
)

// FinalTemplate is the name of the finished template inside the output root.
const FinalTemplate = "template.nii"

// Layout names the directories of a template build rooted at Root.
//
//	<root>/preprocessed/<name>.nii
//	<root>/templates/<step>.nii
//	<root>/scratch/<step>/<item>[_m].nii
//	<root>/scratch/<step>_transform/transform.nii.gz
//	<root>/template.nii
type Layout struct {
	Root string
}

func (l Layout) Preprocessed() string { return filepath.Join(l.Root, "preprocessed") }

func (l Layout) Templates() string { return filepath.Join(l.Root, "templates") }

func (l Layout) Scratch() string { return filepath.Join(l.Root, "scratch") }

// Checkpoints is where per-item completion markers are kept. It lives inside
// scratch so it is discarded together with the outputs it describes.
func (l Layout) Checkpoints() string { return filepath.Join(l.Scratch(), ".checkpoints") }

// StepDir holds the aligned outputs of one step.
func (l Layout) StepDir(step string) string { return filepath.Join(l.Scratch(), step) }

// InverseTransform is the cached inverse average warp of a SyN step.
func (l Layout) InverseTransform(step string) string {
	return filepath.Join(l.Scratch(), step+"_transform", "transform.nii.gz")
}

// Template is the template produced by step.
func (l Layout) Template(step string) string {
	return filepath.Join(l.Templates(), step+".nii")
}

// Final is the finished template.
func (l Layout) Final() string { return filepath.Join(l.Root, FinalTemplate) }

// Ensure creates the root and its working directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.Preprocessed(), l.Templates(), l.Scratch()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
