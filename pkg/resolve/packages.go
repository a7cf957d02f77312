package resolve

import (
	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
)

// PackageLocator maps a package name from a pkg:// reference to the
// directory the package is installed in.
type PackageLocator interface {
	Locate(name string) (string, error)
}

// Packages is a static package-name to install-directory table.
type Packages map[string]string

func (p Packages) Locate(name string) (string, error) {
	root, ok := p[name]
	if !ok || root == "" {
		return "", errx.With(api.ErrResourceNotFound, ": unknown package %q", name)
	}
	return root, nil
}
