package pipeline

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseIgnoreList(t *testing.T) {
	list := ParseIgnoreList(`
example\.com/mirror  # a known mirror
   # whole-line comment

wikipedia-clone\.net
[invalid regex
`, zerolog.Nop())

	assert.Equal(t, 2, list.Len())
	assert.True(t, list.Matches("https://example.com/mirror/page"))
	assert.True(t, list.Matches("https://EXAMPLE.COM/MIRROR/page"))
	assert.True(t, list.Matches("http://wikipedia-clone.net/article"))
	assert.False(t, list.Matches("https://example.com/other"))
}

func TestIgnoreListNil(t *testing.T) {
	var list *IgnoreList
	assert.False(t, list.Matches("https://example.com"))
	assert.Zero(t, list.Len())
}
