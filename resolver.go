package fly

import (
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Resolution is a Resolver's verdict on one request.
type Resolution struct {
	Delegate    bool
	AbsFilePath string
}

// Resolver decides whether a request is delegated and which file answers it.
type Resolver interface {
	Resolve(r *http.Request) Resolution
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(r *http.Request) Resolution

// Resolve calls f(r).
func (f ResolverFunc) Resolve(r *http.Request) Resolution {
	return f(r)
}

// ExistenceChecker reports whether an absolute path may be delegated.
type ExistenceChecker interface {
	Exists(absPath string) bool
}

// StatChecker stats the filesystem on every call.
type StatChecker struct{}

// Exists returns true if absPath is a regular file.
func (StatChecker) Exists(absPath string) bool {
	fi, err := os.Stat(absPath)
	return err == nil && fi.Mode().IsRegular()
}

// StaticSet is a set of absolute file paths built once at startup.
type StaticSet map[string]struct{}

// ScanDir walks root and returns the set of regular files below it.
func ScanDir(root string) (StaticSet, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	set := make(StaticSet)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			set[p] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", root)
	}
	return set, nil
}

// Exists returns true if absPath was found by ScanDir.
func (s StaticSet) Exists(absPath string) bool {
	_, ok := s[absPath]
	return ok
}

// PathResolver maps request URL paths onto files below BasePath.
// Only GET requests are delegated, and never websocket upgrades. HEAD is
// left to the next handler since the worker always sends a body.
type PathResolver struct {
	BasePath   string           // absolute directory the URL path is resolved against
	Extensions []string         // if set, the file extension must be one of these
	Match      []*regexp.Regexp // if set, the URL path must match one of these
	NotMatch   []*regexp.Regexp // the URL path must match none of these
	Validator  func(absPath string) bool
	Checker    ExistenceChecker // nil delegates without checking existence
	PathKey    interface{}      // request context key holding a precomputed absolute path
}

// NewPathResolver returns a PathResolver for basePath, which must be an
// absolute path to an existing directory.
func NewPathResolver(basePath string) (*PathResolver, error) {
	if !filepath.IsAbs(basePath) {
		return nil, errors.Errorf("base path %q must be absolute", basePath)
	}
	basePath = filepath.Clean(basePath)
	fi, err := os.Stat(basePath)
	if err != nil {
		return nil, errors.Wrap(err, "base path")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("base path %q is not a directory", basePath)
	}
	return &PathResolver{BasePath: basePath}, nil
}

func (pr *PathResolver) hasExtension(absPath string) bool {
	if len(pr.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(absPath)
	for _, want := range pr.Extensions {
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Resolve implements Resolver.
func (pr *PathResolver) Resolve(r *http.Request) (res Resolution) {
	if r.Method != http.MethodGet {
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		return
	}
	urlPath := r.URL.Path
	if len(pr.Match) > 0 && !matchAny(pr.Match, urlPath) {
		return
	}
	if matchAny(pr.NotMatch, urlPath) {
		return
	}
	var absPath string
	if pr.PathKey != nil {
		absPath, _ = r.Context().Value(pr.PathKey).(string)
	}
	if absPath == "" {
		absPath = filepath.Join(pr.BasePath, filepath.FromSlash(path.Clean("/"+urlPath)))
	}
	if !filepath.IsAbs(absPath) || !pr.hasExtension(absPath) {
		return
	}
	if pr.Validator != nil && !pr.Validator(absPath) {
		return
	}
	if pr.Checker != nil && !pr.Checker.Exists(absPath) {
		return
	}
	return Resolution{Delegate: true, AbsFilePath: absPath}
}
