package processor

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesnap/asset"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestResolve(t *testing.T) {
	base := mustParse(t, "https://example.com/blog/post/index.html")

	testCases := []struct {
		name     string
		ref      string
		expected string
	}{
		{"relative file", "style.css", "https://example.com/blog/post/style.css"},
		{"parent directory", "../img/a.png", "https://example.com/blog/img/a.png"},
		{"root relative", "/static/app.js", "https://example.com/static/app.js"},
		{"protocol relative", "//cdn.example.net/lib.js", "https://cdn.example.net/lib.js"},
		{"absolute passes through", "http://other.org/x.png?v=2", "http://other.org/x.png?v=2"},
		{"fragment dropped", "sprite.svg#icon", "https://example.com/blog/post/sprite.svg"},
		{"surrounding space", "  a.css ", "https://example.com/blog/post/a.css"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(tc.ref, base)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got.String())
		})
	}
}

func TestResolveRejects(t *testing.T) {
	base := mustParse(t, "https://example.com/")

	for _, ref := range []string{"", "#top", "data:image/png;base64,AAAA", "DATA:text/plain,x", "javascript:void(0)", "mailto:a@b.c", "ftp://example.com/f.bin", "%zz"} {
		t.Run(ref, func(t *testing.T) {
			_, err := Resolve(ref, base)
			var rerr *ResolutionError
			require.True(t, errors.As(err, &rerr), "expected ResolutionError, got %v", err)
			assert.Equal(t, ref, rerr.Ref)
		})
	}

	_, err := Resolve("a.css", nil)
	assert.Error(t, err)
}

func TestEffectiveBase(t *testing.T) {
	page := mustParse(t, "https://example.com/articles/one.html")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<html><head><base href="/static/v2/"></head></html>`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/static/v2/", EffectiveBase(doc, page).String())

	doc, err = goquery.NewDocumentFromReader(strings.NewReader(`<html><head></head></html>`))
	require.NoError(t, err)
	assert.Equal(t, page, EffectiveBase(doc, page))

	doc, err = goquery.NewDocumentFromReader(strings.NewReader(`<base href="javascript:alert(1)">`))
	require.NoError(t, err)
	assert.Equal(t, page, EffectiveBase(doc, page))
}

func TestLocalRef(t *testing.T) {
	assert.Equal(t, "../assets/img.png", LocalRef("img.png", "css", "assets/img.png"))
	assert.Equal(t, "css/site.css", LocalRef("site.css", "", "css/site.css"))
	assert.Equal(t, "../images/icons.svg#home", LocalRef("/i/icons.svg#home", "css", "images/icons.svg"))
	assert.Equal(t, "../assets/my%20bg.png", LocalRef("my%20bg.png", "css", "assets/my bg.png"))
	assert.Equal(t, "images/a%23b.png", LocalRef("a%23b.png", "", "images/a#b.png"))
}

func TestParseSrcset(t *testing.T) {
	tests := []struct {
		name   string
		srcset string
		want   []srcsetCandidate
	}{
		{"descriptors", "a.png 1x, a@2x.png 2x", []srcsetCandidate{{"a.png", "1x"}, {"a@2x.png", "2x"}}},
		{"no descriptor", "hero.webp", []srcsetCandidate{{"hero.webp", ""}}},
		{"comma after url", "a.png, b.png 2x", []srcsetCandidate{{"a.png", ""}, {"b.png", "2x"}}},
		{"data uri keeps its comma", "data:image/png;base64,AAAA 1x, b.png 2x", []srcsetCandidate{{"data:image/png;base64,AAAA", "1x"}, {"b.png", "2x"}}},
		{"extra whitespace", "  a.png   640w ,\n b.png  1280w  ", []srcsetCandidate{{"a.png", "640w"}, {"b.png", "1280w"}}},
		{"empty", " , ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSrcset(tt.srcset))
		})
	}
}

func TestSrcsetDataURIIsNotAReference(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<img srcset="data:image/png;base64,AAAA 1x, b.png 2x">`))
	require.NoError(t, err)

	var raws []string
	for _, r := range References(doc) {
		raws = append(raws, r.Raw)
	}
	assert.Equal(t, []string{"data:image/png;base64,AAAA", "b.png"}, raws)
	assert.True(t, IsExcluded(raws[0]))
}

func TestCSSReferences(t *testing.T) {
	css := `
body { background: url(img/bg.png) no-repeat; }
.a { background-image: URL( "quoted.jpg" ); }
@font-face { src: url('fonts/inter.woff2?v=1') format("woff2"), url(data:font/woff;base64,AAA); }
.b { background: url(img/bg.png); }
`
	assert.Equal(t, []string{
		"img/bg.png",
		"quoted.jpg",
		"fonts/inter.woff2?v=1",
		"data:font/woff;base64,AAA",
		"img/bg.png",
	}, CSSReferences(css))
}

func TestRewriteCSSPreservesQuoting(t *testing.T) {
	css := `a{background:url(a.png)} b{background:url('b.png')} c{background:url("c.png")} d{background:url(keep.png)}`

	out, n := RewriteCSS(css, func(raw string) (string, bool) {
		if raw == "keep.png" {
			return "", false
		}
		return "../assets/" + raw, true
	})

	assert.Equal(t, 3, n)
	assert.Equal(t, `a{background:url(../assets/a.png)} b{background:url('../assets/b.png')} c{background:url("../assets/c.png")} d{background:url(keep.png)}`, out)
}

func TestRewriteCSSAlsoTouchesComments(t *testing.T) {
	css := "/* url(x.png) */ .x{background:url(x.png)}"
	out, n := RewriteCSS(css, func(raw string) (string, bool) { return "local/" + raw, true })
	assert.Equal(t, 2, n)
	assert.Equal(t, "/* url(local/x.png) */ .x{background:url(local/x.png)}", out)
}

const samplePage = `<!doctype html>
<html><head>
<base href="https://cdn.example.com/">
<link rel="stylesheet" href="site.css" integrity="sha384-abc" crossorigin="anonymous">
<link rel="icon" href="/favicon.ico">
<link rel="preload" as="font" href="/f/inter.woff2">
<link rel="canonical" href="https://example.com/">
<script src="app.js"></script>
</head><body>
<img src="a.png" srcset="a.png 1x, a@2x.png 2x">
<picture><source srcset="hero.webp"><img src="hero.jpg"></picture>
<video src="clip.mp4" poster="poster.jpg"><source src="clip.webm"></video>
<audio><source src="song.mp3"></audio>
<a href="/next.html">next</a>
</body></html>`

func TestReferencesDocumentOrderAndKinds(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(samplePage))
	require.NoError(t, err)

	type pair struct {
		raw  string
		kind asset.Kind
	}
	var got []pair
	for _, r := range References(doc) {
		got = append(got, pair{r.Raw, r.Kind})
	}

	assert.Equal(t, []pair{
		{"site.css", asset.KindStylesheet},
		{"/favicon.ico", asset.KindImage},
		{"/f/inter.woff2", asset.KindFont},
		{"app.js", asset.KindScript},
		{"a.png", asset.KindImage},
		{"a.png", asset.KindImage},
		{"a@2x.png", asset.KindImage},
		{"hero.webp", asset.KindImage},
		{"hero.jpg", asset.KindImage},
		{"clip.mp4", asset.KindVideo},
		{"poster.jpg", asset.KindImage},
		{"clip.webm", asset.KindVideo},
		{"song.mp3", asset.KindVideo},
	}, got)
}

func TestRewriteReferences(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(samplePage))
	require.NoError(t, err)

	n := RewriteReferences(doc, func(ref Reference) (string, bool) {
		if ref.Raw == "app.js" {
			return "", false
		}
		return "local/" + ref.Raw, true
	})
	assert.Equal(t, 12, n)

	link := doc.Find(`link[rel="stylesheet"]`)
	assert.Equal(t, "local/site.css", link.AttrOr("href", ""))
	_, hasIntegrity := link.Attr("integrity")
	assert.False(t, hasIntegrity)

	assert.Equal(t, "app.js", doc.Find("script").AttrOr("src", ""))
	assert.Equal(t, "local/a.png 1x, local/a@2x.png 2x", doc.Find("body > img").AttrOr("srcset", ""))
	assert.Equal(t, "/next.html", doc.Find("a").AttrOr("href", ""))
	assert.Equal(t, "https://example.com/", doc.Find(`link[rel="canonical"]`).AttrOr("href", ""))

	assert.Equal(t, 1, RemoveBase(doc))
	assert.Equal(t, 0, doc.Find("base").Length())
}
