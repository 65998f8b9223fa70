package renderer

import (
	"bytes"
	"fmt"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmrenderer "github.com/yuin/goldmark/renderer"
	htmlRenderer "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"

	"github.com/quillblog/quill/config"
)

// Renderer transforms markdown sources into HTML fragments.
type Renderer struct {
	md       goldmark.Markdown
	minifier *minify.M
}

// New constructs a renderer with GitHub-flavored markdown extensions and
// syntax highlighting configured from cfg.
func New(cfg config.RenderConfig) *Renderer {
	extensions := []goldmark.Extender{
		extension.GFM,
		extension.DefinitionList,
		extension.Footnote,
		extension.Typographer,
		highlighting.NewHighlighting(
			highlighting.WithStyle(cfg.HighlightTheme),
			highlighting.WithFormatOptions(
				chromahtml.WithClasses(true),
				chromahtml.ClassPrefix("q-"),
				chromahtml.PreventSurroundingPre(true),
			),
			highlighting.WithWrapperRenderer(codeWrapper),
		),
		// Strips any front matter that reaches the renderer, e.g. via the
		// preview path. Typed metadata is decoded separately by the store.
		meta.Meta,
	}

	rendererOptions := []gmrenderer.Option{}
	if cfg.Unsafe {
		rendererOptions = append(rendererOptions, htmlRenderer.WithUnsafe())
	}

	md := goldmark.New(
		goldmark.WithExtensions(extensions...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithAttribute(),
		),
		goldmark.WithRendererOptions(rendererOptions...),
	)

	m := minify.New()
	m.AddFunc("text/html", html.Minify)

	return &Renderer{md: md, minifier: m}
}

// Render converts the provided markdown into HTML. Malformed markdown still
// renders to best-effort HTML; the returned error covers writer failures and
// recovered panics from the highlighting pipeline, so one broken code fence
// can never take the shared renderer down with it.
func (r *Renderer) Render(src []byte) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("markdown render panicked: %v", rec)
		}
	}()

	var buf bytes.Buffer
	if err := r.md.Convert(src, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MinifyHTML optimizes raw HTML markup.
func (r *Renderer) MinifyHTML(raw []byte) ([]byte, error) {
	return r.minifier.Bytes("text/html", raw)
}

func codeWrapper(w util.BufWriter, ctx highlighting.CodeBlockContext, entering bool) {
	lang := "text"
	if raw, ok := ctx.Language(); ok && len(raw) > 0 {
		lang = string(raw)
	}
	lang = string(util.EscapeHTML([]byte(lang)))
	if entering {
		_, _ = fmt.Fprintf(w, `<pre tabindex="0" class="q-chroma q-code language-%[1]s" data-lang="%[1]s"><code class="language-%[1]s" data-lang="%[1]s">`, lang)
		return
	}
	_, _ = w.WriteString("</code></pre>\n")
}
