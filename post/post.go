package post

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/quillblog/quill/renderer"
)

// Metadata carries the front-matter-derived description of a post.
type Metadata struct {
	Name        string     `json:"name" msgpack:"name"`
	Title       string     `json:"title" msgpack:"title"`
	Description string     `json:"description" msgpack:"description"`
	Author      string     `json:"author" msgpack:"author"`
	Icon        string     `json:"icon,omitempty" msgpack:"icon"`
	Color       string     `json:"color,omitempty" msgpack:"color"`
	Tags        []string   `json:"tags,omitempty" msgpack:"tags"`
	CreatedAt   *time.Time `json:"createdAt,omitempty" msgpack:"created_at"`
	ModifiedAt  *time.Time `json:"modifiedAt,omitempty" msgpack:"modified_at"`
}

// HasTag reports whether the post is tagged with tag.
func (m *Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Record is a fully rendered post as held by the cache.
type Record struct {
	Meta         Metadata  `msgpack:"meta"`
	RenderedHTML string    `msgpack:"html"`
	RawMarkdown  string    `msgpack:"raw"`
	SourceMtime  time.Time `msgpack:"mtime"`
	CachedAt     time.Time `msgpack:"cached_at"`
}

// Store provides access to post sources. The production implementation is
// FileStore; tests substitute fakes with call counters.
type Store interface {
	// List returns the identifiers of all posts currently on disk.
	List() ([]string, error)
	// Stat returns the source file's modification time, or ErrNotFound.
	Stat(name string) (time.Time, error)
	// Load reads, parses, and renders a post.
	Load(ctx context.Context, name string) (*Record, error)
}

// FileStore reads markdown posts from a flat directory, one post per
// "<name>.md" file with a YAML front matter block.
type FileStore struct {
	dir      string
	renderer *renderer.Renderer
	minify   bool
}

// NewFileStore constructs a FileStore over dir.
func NewFileStore(dir string, r *renderer.Renderer, minify bool) *FileStore {
	return &FileStore{dir: dir, renderer: r, minify: minify}
}

func (s *FileStore) path(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return "", false
	}
	return filepath.Join(s.dir, name+".md"), true
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read posts dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := entry.Name()
		if filepath.Ext(base) != ".md" || strings.HasPrefix(base, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(base, ".md"))
	}
	return names, nil
}

func (s *FileStore) Stat(name string) (time.Time, error) {
	path, ok := s.path(name)
	if !ok {
		return time.Time{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("stat %q: %w", name, err)
	}
	if info.IsDir() {
		return time.Time{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return info.ModTime(), nil
}

func (s *FileStore) Load(ctx context.Context, name string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, ok := s.path(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", name, err)
	}
	mtime := info.ModTime()

	source, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}

	front, body, err := splitFrontMatter(source)
	if err != nil {
		return nil, &FrontMatterError{Name: name, Reason: err.Error()}
	}

	meta, err := decodeFrontMatter(name, front, mtime)
	if err != nil {
		return nil, err
	}

	html, err := s.renderer.Render(body)
	if err != nil {
		return nil, &RenderError{Name: name, Err: err}
	}
	if s.minify {
		if minified, err := s.renderer.MinifyHTML(html); err == nil {
			html = minified
		}
	}

	return &Record{
		Meta:         *meta,
		RenderedHTML: string(html),
		RawMarkdown:  string(source),
		SourceMtime:  mtime,
		CachedAt:     time.Now(),
	}, nil
}

// RawDir returns the directory posts are read from.
func (s *FileStore) RawDir() string { return s.dir }

var frontMatterFence = []byte("---")

// splitFrontMatter separates the leading YAML block from the markdown body.
// The block must start on the first line and be closed by a bare "---".
func splitFrontMatter(source []byte) (front, body []byte, err error) {
	rest, ok := bytes.CutPrefix(source, frontMatterFence)
	if !ok {
		return nil, nil, fmt.Errorf("missing beginning fence")
	}
	rest, ok = cutLineBreak(rest)
	if !ok {
		return nil, nil, fmt.Errorf("missing beginning fence line")
	}

	offset := 0
	for {
		idx := bytes.Index(rest[offset:], frontMatterFence)
		if idx < 0 {
			return nil, nil, fmt.Errorf("missing ending fence")
		}
		idx += offset
		atLineStart := idx == 0 || rest[idx-1] == '\n'
		tail := rest[idx+len(frontMatterFence):]
		tailAfter, tailOK := cutLineBreak(tail)
		if atLineStart && (tailOK || len(tail) == 0) {
			return rest[:idx], tailAfter, nil
		}
		offset = idx + len(frontMatterFence)
	}
}

func cutLineBreak(b []byte) ([]byte, bool) {
	if after, ok := bytes.CutPrefix(b, []byte("\r\n")); ok {
		return after, true
	}
	if after, ok := bytes.CutPrefix(b, []byte("\n")); ok {
		return after, true
	}
	return b, false
}

type frontMatter struct {
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Author      string     `yaml:"author"`
	Icon        string     `yaml:"icon"`
	Color       string     `yaml:"color"`
	Tags        []string   `yaml:"tags"`
	CreatedAt   *time.Time `yaml:"created_at"`
	ModifiedAt  *time.Time `yaml:"modified_at"`
}

func decodeFrontMatter(name string, front []byte, mtime time.Time) (*Metadata, error) {
	var fm frontMatter
	dec := yaml.NewDecoder(bytes.NewReader(front))
	dec.KnownFields(true)
	if err := dec.Decode(&fm); err != nil && err != io.EOF {
		return nil, &FrontMatterError{Name: name, Reason: err.Error()}
	}

	fm.Title = cleanText(fm.Title)
	fm.Description = cleanText(fm.Description)
	fm.Author = cleanText(fm.Author)
	if fm.Title == "" {
		return nil, &FrontMatterError{Name: name, Reason: "missing title"}
	}
	if fm.Author == "" {
		return nil, &FrontMatterError{Name: name, Reason: "missing author"}
	}

	tags := make([]string, 0, len(fm.Tags))
	for _, tag := range fm.Tags {
		if tag = cleanText(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		tags = nil
	}

	modified := fm.ModifiedAt
	if modified == nil {
		m := mtime
		modified = &m
	}

	return &Metadata{
		Name:        name,
		Title:       fm.Title,
		Description: fm.Description,
		Author:      fm.Author,
		Icon:        cleanText(fm.Icon),
		Color:       cleanText(fm.Color),
		Tags:        tags,
		CreatedAt:   fm.CreatedAt,
		ModifiedAt:  modified,
	}, nil
}

func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
