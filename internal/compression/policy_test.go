package compression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForFile_JSONAlwaysCompresses(t *testing.T) {
	plan := ForFile("manifest.JSON", 10)
	assert.Equal(t, []string{"gzip", "br", "deflate"}, plan.AcceptEncoding)
	assert.False(t, plan.ForceStreaming)
}

func TestForFile_LargePNGForcesStreamingNoCompression(t *testing.T) {
	plan := ForFile("cover.png", 600<<10)
	assert.Nil(t, plan.AcceptEncoding)
	assert.True(t, plan.ForceStreaming)
}

func TestForFile_SmallPNGIsOpportunistic(t *testing.T) {
	plan := ForFile("thumb.png", 10<<10)
	assert.Equal(t, []string{"gzip"}, plan.AcceptEncoding)
	assert.False(t, plan.ForceStreaming)
}

func TestForFile_OtherIsOpportunistic(t *testing.T) {
	plan := ForFile("archive.tar", 0)
	assert.Equal(t, []string{"gzip"}, plan.AcceptEncoding)
}

func TestForFile_CategorizesJSONBySize(t *testing.T) {
	assert.Equal(t, CategoryJSONSmall, ForFile("a.json", 10<<10).Category)
	assert.Equal(t, CategoryJSONLarge, ForFile("a.json", 200<<10).Category)
}

func TestForFile_CategorizesPNGBySize(t *testing.T) {
	assert.Equal(t, CategoryPNGSmall, ForFile("a.png", 10<<10).Category)
	assert.Equal(t, CategoryPNGMedium, ForFile("a.png", 1<<20).Category)
	assert.Equal(t, CategoryPNGLarge, ForFile("a.png", 3<<20).Category)
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 0.25, Ratio(250, 1000), 0.001)
	assert.Equal(t, 1.0, Ratio(0, 0))
}
