package tags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractTitleBeforeDescription(t *testing.T) {
	x := Default()
	got := x.Extract("AIサービス", "需要を分析してマッチングする")
	require.Equal(t, []string{"AI", "Service", "Analysis"}, got)
}

func TestExtractDeduplicates(t *testing.T) {
	x := Default()
	got := x.Extract("AI assistant", "AI that uses 人工知能")
	require.Equal(t, []string{"AI", "Idea", "Technology"}, got)
}

func TestExtractPadsWithDefaults(t *testing.T) {
	x := Default()
	require.Equal(t, []string{"Idea", "Technology", "Innovation"}, x.Extract("garden", "plant seeds"))
	require.Equal(t, []string{"Automation", "Idea", "Technology"}, x.Extract("garden", "自動化 of watering"))
}

func TestExtractCapsAtThree(t *testing.T) {
	x := Default()
	got := x.Extract("AI application service", "analysis matching automation")
	require.Len(t, got, MaxTags)
	require.Equal(t, []string{"AI", "App", "Service"}, got)
}

func TestExtractDefaultPoolExhausted(t *testing.T) {
	x := KeywordExtractor{Defaults: []string{"Only"}}
	require.Equal(t, []string{"Only"}, x.Extract("a", "b"))
}

func TestExtractIsCaseSensitive(t *testing.T) {
	x := Default()
	require.NotContains(t, x.Extract("said", "plain"), "AI")
}
