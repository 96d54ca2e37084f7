package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanDropsExecutableContent(t *testing.T) {
	in := `<html><head>
<script>alert(1)</script>
<style>.x{color:red}</style>
<link rel="stylesheet" href="a.css">
</head><body>
<h1>Tomato Soup</h1>
<noscript>enable js</noscript>
<iframe src="https://ads.example.com"></iframe>
<p>Simmer for 20 minutes.</p>
</body></html>`

	out, err := Clean(strings.NewReader(in))
	require.NoError(t, err)

	assert.Contains(t, out, "Tomato Soup")
	assert.Contains(t, out, "Simmer for 20 minutes.")
	assert.NotContains(t, out, "alert(1)")
	assert.NotContains(t, out, "color:red")
	assert.NotContains(t, out, "stylesheet")
	assert.NotContains(t, out, "enable js")
	assert.NotContains(t, out, "iframe")
}

func TestCleanDropsCommentsAndHiddenNodes(t *testing.T) {
	in := `<body>
<!-- tracking pixel goes here -->
<div hidden>secret</div>
<div aria-hidden="true">decoration</div>
<div style="display: none">invisible</div>
<div style="VISIBILITY: HIDDEN">also invisible</div>
<div aria-hidden="false">visible note</div>
<p>2 cups flour</p>
</body>`

	out, err := Clean(strings.NewReader(in))
	require.NoError(t, err)

	assert.Contains(t, out, "2 cups flour")
	assert.Contains(t, out, "visible note")
	assert.NotContains(t, out, "tracking pixel")
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "decoration")
	assert.NotContains(t, out, "invisible")
}

func TestCleanStripsEventHandlersAndScriptURLs(t *testing.T) {
	in := `<body>
<button onclick="steal()">Save</button>
<a href="javascript:void(0)" onmouseover="track()">Print</a>
<a href="https://example.com/recipe">Source</a>
<img src=" JAVASCRIPT:bad() " alt="photo">
</body>`

	out, err := Clean(strings.NewReader(in))
	require.NoError(t, err)

	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "onmouseover")
	assert.NotContains(t, strings.ToLower(out), "javascript:")
	assert.Contains(t, out, `href="https://example.com/recipe"`)
	assert.Contains(t, out, `alt="photo"`)
}

func TestCleanKeepsRecipeMicrodata(t *testing.T) {
	in := `<body><div itemscope itemtype="https://schema.org/Recipe">
<span itemprop="name">Pancakes</span>
</div></body>`

	out, err := Clean(strings.NewReader(in))
	require.NoError(t, err)
	assert.Contains(t, out, "schema.org/Recipe")
	assert.Contains(t, out, `itemprop="name"`)
	assert.Contains(t, out, "Pancakes")
}

func TestCleanSurvivesMalformedMarkup(t *testing.T) {
	// The parser repairs tag soup; cleaning must not choke on it.
	out, err := Clean(strings.NewReader(`<p>unclosed <b>bold <div>mixed</p>`))
	require.NoError(t, err)
	assert.Contains(t, out, "unclosed")
	assert.Contains(t, out, "mixed")
}

func TestCompressRoundTrip(t *testing.T) {
	snapshot := []byte(strings.Repeat("<li>1 tbsp olive oil</li>\n", 200))

	packed, err := Compress(snapshot)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(snapshot))

	unpacked, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, snapshot, unpacked)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not gzip"))
	require.Error(t, err)
}
