package templatex

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

//go:embed templates/*.tmpl
var builtinFS embed.FS

// Registry maps template names to compiled templates. Built-in defaults are
// compiled first; files from an optional custom directory overlay them by
// name. Entries are swapped through a sync.Map, so a reader always sees
// either the previous or the new compiled template, never a torn state, and
// a swap never blocks lookups.
type Registry struct {
	customDir string
	funcs     template.FuncMap
	logger    *slog.Logger

	builtins map[string]string
	compiled sync.Map // name -> *template.Template
}

// TemplateName derives the registry name for a template file, or "" when the
// file is not a template.
func TemplateName(path string) string {
	base := filepath.Base(path)
	if filepath.Ext(base) != ".tmpl" || strings.HasPrefix(base, ".") {
		return ""
	}
	return strings.TrimSuffix(base, ".tmpl")
}

// New compiles the built-in templates and overlays customDir when it exists.
// customDir may be empty.
func New(customDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := &Registry{
		customDir: customDir,
		logger:    logger,
		builtins:  make(map[string]string),
		funcs: template.FuncMap{
			"safeHTML": func(v any) template.HTML {
				switch value := v.(type) {
				case template.HTML:
					return value
				case string:
					return template.HTML(value)
				default:
					return ""
				}
			},
			"formatDate": func(t *time.Time) string {
				if t == nil {
					return ""
				}
				return t.Format("2006-01-02")
			},
		},
	}

	entries, err := fs.ReadDir(builtinFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("read built-in templates: %w", err)
	}
	for _, entry := range entries {
		name := TemplateName(entry.Name())
		if name == "" {
			continue
		}
		source, err := fs.ReadFile(builtinFS, "templates/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read built-in template %q: %w", name, err)
		}
		reg.builtins[name] = string(source)
		tpl, err := reg.compile(name, string(source))
		if err != nil {
			return nil, fmt.Errorf("compile built-in template %q: %w", name, err)
		}
		reg.compiled.Store(name, tpl)
	}

	if customDir != "" {
		if err := reg.overlayCustomDir(); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func (r *Registry) overlayCustomDir() error {
	entries, err := os.ReadDir(r.customDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read custom template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := TemplateName(entry.Name())
		if name == "" {
			continue
		}
		path := filepath.Join(r.customDir, entry.Name())
		if err := r.CompileCustom(path); err != nil {
			r.logger.Error("skipping custom template", "path", path, "error", err)
			continue
		}
		r.logger.Debug("registered custom template", "name", name)
	}
	return nil
}

func (r *Registry) compile(name, source string) (*template.Template, error) {
	return template.New(name).Funcs(r.funcs).Parse(source)
}

// Get returns the compiled template for name.
func (r *Registry) Get(name string) (*template.Template, error) {
	if tpl, ok := r.compiled.Load(name); ok {
		return tpl.(*template.Template), nil
	}
	return nil, fmt.Errorf("template %q is not defined", name)
}

// Render executes the named template into w.
func (r *Registry) Render(w io.Writer, name string, data any) error {
	tpl, err := r.Get(name)
	if err != nil {
		return err
	}
	return tpl.Execute(w, data)
}

// CompileCustom compiles the template file at path and, on success, swaps it
// into the registry under its derived name. On failure the previous compiled
// template stays authoritative and the error is returned.
func (r *Registry) CompileCustom(path string) error {
	name := TemplateName(path)
	if name == "" {
		return fmt.Errorf("%q is not a template file", path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template %q: %w", path, err)
	}
	tpl, err := r.compile(name, string(source))
	if err != nil {
		return fmt.Errorf("compile template %q: %w", name, err)
	}
	r.compiled.Store(name, tpl)
	return nil
}

// RestoreDefault reverts name to its built-in template, or removes the entry
// entirely when no built-in counterpart exists.
func (r *Registry) RestoreDefault(name string) error {
	source, ok := r.builtins[name]
	if !ok {
		r.compiled.Delete(name)
		return nil
	}
	tpl, err := r.compile(name, source)
	if err != nil {
		return fmt.Errorf("recompile built-in template %q: %w", name, err)
	}
	r.compiled.Store(name, tpl)
	return nil
}

// CustomDir returns the configured overlay directory, possibly empty.
func (r *Registry) CustomDir() string { return r.customDir }

// Names lists the currently registered template names.
func (r *Registry) Names() []string {
	names := make([]string, 0, 8)
	r.compiled.Range(func(key, _ any) bool {
		names = append(names, key.(string))
		return true
	})
	return names
}
