package richtext

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSanitizeStripsDangerousMarkup(t *testing.T) {
	got := Sanitize(`<p onclick="x()">Hi<script>alert(1)</script></p><img src=x onerror=alert(1)>`)
	assert.Equal(t, "<p>Hi</p>", got)
}

func TestSanitizeKeepsEditorMarkup(t *testing.T) {
	in := `<h2>Plan</h2><ul><li><strong>ship</strong> <em>it</em></li></ul><blockquote>quote</blockquote>`
	assert.Equal(t, in, Sanitize(in))
}

func TestSanitizeLinks(t *testing.T) {
	got := Sanitize(`<a href="https://example.com/x">x</a>`)
	assert.Contains(t, got, `href="https://example.com/x"`)
	assert.Contains(t, got, `target="_blank"`)
	assert.Contains(t, got, "nofollow")
	assert.Contains(t, got, "noopener")

	got = Sanitize(`<a href="javascript:alert(1)">x</a>`)
	assert.NotContains(t, got, "javascript")
}

func TestSanitizeSpanClasses(t *testing.T) {
	assert.Equal(t, `<span class="text-red-500">hot</span>`, Sanitize(`<span class="text-red-500">hot</span>`))
	assert.Equal(t, `<span class="text-red-500 bg-yellow-100">hot</span>`, Sanitize(`<span class="text-red-500 bg-yellow-100">hot</span>`))
	assert.Equal(t, `<span>hot</span>`, Sanitize(`<span class="evil" style="color:red">hot</span>`))
}

func TestSanitizeEmpty(t *testing.T) {
	assert.Equal(t, "", Sanitize("   "))
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Title one two", PlainText("<h1>Title</h1><p>one</p><p>  two </p>"))
	assert.Equal(t, "a b", PlainText("a<br>b"))
	assert.Equal(t, "", PlainText(""))
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank("<p><br></p>"))
	assert.True(t, IsBlank("<p>   </p>"))
	assert.False(t, IsBlank("<p>x</p>"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", Preview("<p>hello</p>", 10))
	assert.Equal(t, "hello…", Preview("<p>hello world</p>", 5))
	long := "<p>" + strings.Repeat("ä", 20) + "</p>"
	assert.Equal(t, strings.Repeat("ä", 4)+"…", Preview(long, 4))
}

func TestToMarkdown(t *testing.T) {
	out, err := ToMarkdown(`<h2>Plan</h2><ul><li><strong>ship</strong></li></ul>`)
	require.NoError(t, err)
	assert.Contains(t, out, "## Plan")
	assert.Contains(t, out, "**ship**")
}
