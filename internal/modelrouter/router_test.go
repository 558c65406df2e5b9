package modelrouter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/relay/internal/llm"
)

func newRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestClassify(t *testing.T) {
	r := newRouter(t, Config{})

	tests := []struct {
		name string
		msg  string
		want llm.Tier
	}{
		{"greeting", "hey what's up", llm.TierCheap},
		{"complex business", "help me analyze the pros and cons of raising prices", llm.TierPremium},
		{"39 chars no pattern", "please find a cheap flight to lisbon no", llm.TierCheap},
		{"40 chars no pattern", "please find a cheap flight to lisbon now", llm.TierStandard},
		{"41 chars no pattern", "please find a cheap flight to lisbon now!", llm.TierStandard},
		{"short but complex", "refactor this", llm.TierPremium},
		{"greeting plus complex", "hi, can you draft a business plan for my bakery", llm.TierPremium},
		{"lookup", "what's on my calendar for the rest of this week, anything urgent?", llm.TierCheap},
		{"long neutral", strings.Repeat("tell me about the history of lisbon ", 3), llm.TierStandard},
		{"whitespace trimmed", "   ok   ", llm.TierCheap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Classify(tt.msg))
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	r := newRouter(t, Config{})
	msgs := []string{
		"hey", "write an essay about tides", "what is the weather", "",
		"could you compare these two apartments for me please thanks",
	}
	for _, m := range msgs {
		first := r.Classify(m)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, r.Classify(m), m)
		}
	}
}

func TestSelectModelBudgetDowngrade(t *testing.T) {
	r := newRouter(t, Config{})
	msg := "help me analyze the pros and cons of raising prices"

	low := 0.50
	sel := r.SelectModel(msg, &low)
	assert.Equal(t, llm.TierStandard, sel.Tier)
	assert.Equal(t, "claude-sonnet-4-5", sel.Model.ID)
	assert.True(t, sel.Downgraded)

	plenty := 12.0
	sel = r.SelectModel(msg, &plenty)
	assert.Equal(t, llm.TierPremium, sel.Tier)
	assert.Equal(t, "claude-opus-4-6", sel.Model.ID)

	sel = r.SelectModel(msg, nil)
	assert.Equal(t, llm.TierPremium, sel.Tier)

	sel = r.SelectModel("hey", &low)
	assert.Equal(t, llm.TierCheap, sel.Tier, "floor only affects premium")
	assert.False(t, sel.Downgraded)
}

func TestConfigOverrides(t *testing.T) {
	r := newRouter(t, Config{
		Models:          map[llm.Tier]Model{llm.TierCheap: {ID: "tiny", InputPerMTok: 0.1, OutputPerMTok: 0.2}},
		ComplexPatterns: []string{`\bspreadsheet\b`},
		ShortLength:     10,
		BudgetFloor:     5,
	})
	assert.Equal(t, llm.TierPremium, r.Classify("fix my spreadsheet"))
	assert.Equal(t, llm.TierStandard, r.Classify("find lunch nearby"))
	assert.Equal(t, "tiny", r.Model(llm.TierCheap).ID)

	four := 4.0
	assert.Equal(t, llm.TierStandard, r.SelectModel("fix my spreadsheet", &four).Tier)

	_, err := New(Config{SimplePatterns: []string{"("}})
	assert.Error(t, err)
}

func TestCost(t *testing.T) {
	r := newRouter(t, Config{})
	assert.InDelta(t, 3.0+15.0, r.Cost(llm.TierStandard, 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.001, r.Cost(llm.TierCheap, 1000, 0), 1e-9)
}
