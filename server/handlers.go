package server

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quillblog/quill/post"
)

type tagCount struct {
	Name  string
	Count int
}

type indexPage struct {
	Site        string
	Description string
	Tag         string
	Tags        []tagCount
	Posts       []post.Metadata
}

type postPage struct {
	Site       string
	Meta       post.Metadata
	Rendered   template.HTML
	RenderedIn string
	RawURL     string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.renderError(w, http.StatusNotFound, "page not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.renderError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	metas, err := s.posts.ListMetadata(r.Context())
	if err != nil {
		s.logger.Error("index listing failed", "error", err)
		s.renderError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}

	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	if tag != "" {
		filtered := metas[:0]
		for _, m := range metas {
			if m.HasTag(tag) {
				filtered = append(filtered, m)
			}
		}
		metas = filtered
	}

	if nStr := r.URL.Query().Get("n"); nStr != "" {
		if n, err := strconv.Atoi(nStr); err == nil && n >= 0 && n < len(metas) {
			metas = metas[:n]
		}
	}

	page := indexPage{
		Site:        s.cfg.SiteName,
		Description: s.cfg.Description,
		Tag:         tag,
		Tags:        collectTags(metas),
		Posts:       metas,
	}
	s.renderPage(w, "index", page)
}

func (s *Server) handlePostList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metas, err := s.posts.ListMetadata(r.Context())
	if err != nil {
		s.logger.Error("post listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.renderError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/posts/")
	if name == "" {
		http.Redirect(w, r, "/posts", http.StatusMovedPermanently)
		return
	}
	if strings.ContainsRune(name, '/') {
		s.renderError(w, http.StatusNotFound, "post not found")
		return
	}

	if stem, ok := strings.CutSuffix(name, ".md"); ok {
		s.servePostRaw(w, r, stem)
		return
	}

	start := time.Now()
	rec, err := s.posts.GetOrRender(r.Context(), name)
	if err != nil {
		s.postError(w, name, err)
		return
	}

	page := postPage{
		Site:       s.cfg.SiteName,
		Meta:       rec.Meta,
		Rendered:   template.HTML(rec.RenderedHTML),
		RenderedIn: fmt.Sprintf("%.1fms", float64(time.Since(start).Microseconds())/1000),
	}
	if s.cfg.Posts.RawAccess {
		page.RawURL = "/posts/" + name + ".md"
	}
	s.renderPage(w, "post", page)
}

func (s *Server) servePostRaw(w http.ResponseWriter, r *http.Request, name string) {
	if !s.cfg.Posts.RawAccess {
		s.renderError(w, http.StatusForbidden, "raw post access is disabled")
		return
	}
	rec, err := s.posts.GetOrRender(r.Context(), name)
	if err != nil {
		s.postError(w, name, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, rec.RawMarkdown)
}

func (s *Server) postError(w http.ResponseWriter, name string, err error) {
	var fmErr *post.FrontMatterError
	var renderErr *post.RenderError
	switch {
	case errors.Is(err, post.ErrNotFound):
		s.renderError(w, http.StatusNotFound, fmt.Sprintf("post %q does not exist", name))
	case errors.As(err, &fmErr):
		s.logger.Error("front matter rejected", "post", name, "reason", fmErr.Reason)
		s.renderError(w, http.StatusInternalServerError, fmt.Sprintf("post %q has invalid front matter", name))
	case errors.As(err, &renderErr):
		s.logger.Error("render failed", "post", name, "error", renderErr.Err)
		s.renderError(w, http.StatusInternalServerError, fmt.Sprintf("post %q failed to render", name))
	default:
		s.logger.Error("post load failed", "post", name, "error", err)
		s.renderError(w, http.StatusInternalServerError, "internal server error")
	}
}

func collectTags(metas []post.Metadata) []tagCount {
	counts := make(map[string]int)
	for _, m := range metas {
		for _, t := range m.Tags {
			counts[t]++
		}
	}
	tags := make([]tagCount, 0, len(counts))
	for name, count := range counts {
		tags = append(tags, tagCount{Name: name, Count: count})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Name < tags[j].Name
	})
	return tags
}
