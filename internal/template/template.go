// Package template materializes upstream template versions as file trees.
package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/otiai10/copy"
)

// ErrVersionNotFound is returned when the provider has no files for a
// requested version.
var ErrVersionNotFound = errors.New("template version not found")

// Package identifies one version of an upstream template.
type Package struct {
	Name    string
	Version string
}

func (p Package) String() string {
	return p.Name + "@" + p.Version
}

// Provider writes the file tree of a template version into destDir.
type Provider interface {
	Materialize(ctx context.Context, version, destDir string) error
}

// DirProvider serves versions from a local directory laid out as
// <sourceDir>/<version>/...
type DirProvider struct {
	sourceDir string
	ignore    glob.Glob
}

// NewDirProvider creates a provider reading from sourceDir. Paths relative
// to a version directory that match ignorePattern are not copied.
func NewDirProvider(sourceDir, ignorePattern string) (*DirProvider, error) {
	p := &DirProvider{sourceDir: sourceDir}
	if ignorePattern != "" {
		g, err := glob.Compile(ignorePattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", ignorePattern, err)
		}
		p.ignore = g
	}
	return p, nil
}

// Materialize copies the version's tree into destDir, skipping .git
// directories and ignored paths. Symlinks are recreated, not followed.
func (p *DirProvider) Materialize(ctx context.Context, version, destDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcDir := filepath.Join(p.sourceDir, version)
	info, err := os.Stat(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s in %s", ErrVersionNotFound, version, p.sourceDir)
		}
		return fmt.Errorf("failed to stat template directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrVersionNotFound, srcDir)
	}

	opts := copy.Options{
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			if info.Name() == ".git" {
				return true, nil
			}
			if p.ignore == nil {
				return false, nil
			}
			rel, err := filepath.Rel(srcDir, src)
			if err != nil {
				return false, err
			}
			return p.ignore.Match(filepath.ToSlash(rel)), nil
		},
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Shallow
		},
	}
	if err := copy.Copy(srcDir, destDir, opts); err != nil {
		return fmt.Errorf("failed to copy template %s: %w", version, err)
	}
	return nil
}
