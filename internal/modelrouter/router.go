// Package modelrouter classifies incoming messages into a cost tier and
// picks the concrete model for it.
//
// Classification is a pure function of the text: complex patterns win,
// then simple patterns or short length, else the standard tier. A budget
// floor downgrades premium to standard when little spend is left today.
package modelrouter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nous-labs/relay/internal/llm"
)

// Model binds a tier to a model id and its per-million-token prices in USD.
type Model struct {
	ID            string  `json:"id" yaml:"id"`
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Config holds classifier policy.
type Config struct {
	Models          map[llm.Tier]Model
	ComplexPatterns []string // appended to the built-in set
	SimplePatterns  []string // appended to the built-in set
	ShortLength     int      // messages shorter than this are cheap
	BudgetFloor     float64  // USD; premium downgrades below this
}

// Selection is the router's decision for one message.
type Selection struct {
	Tier       llm.Tier
	Model      Model
	Downgraded bool
}

var defaultComplex = []string{
	`\bstrateg(y|ies|ic)\b`,
	`\banaly(s|z)(e|es|is|ing)\b`,
	`\bpros and cons\b`,
	`\btrade-?offs?\b`,
	`\b(write|draft|compose)\b.*\b(essay|article|report|proposal|blog post|business plan|cover letter|chapter)\b`,
	`\blong-?form\b`,
	`\bdeep[- ](dive|research)\b`,
	`\bresearch\b`,
	`\brefactor(ing)?\b`,
	`\bnegotiat(e|ion|ing)\b`,
	`\bbusiness (plan|model|case)\b`,
	`\b(pricing|revenue|investors?|fundraising|go-to-market)\b`,
}

var defaultSimple = []string{
	`^(hi|hey|hello|hiya|yo|sup|howdy)\b`,
	`^good (morning|afternoon|evening|night)\b`,
	`^(thanks|thank you|thx|ok|okay|cool|nice|great)\b`,
	`^what('s| is) (the )?(time|date|weather)\b`,
	`\bwhat('s| is) on my (calendar|schedule|list|agenda)\b`,
	`^(status|ping|help)\??$`,
}

// DefaultModels are the Anthropic models used when none are configured.
func DefaultModels() map[llm.Tier]Model {
	return map[llm.Tier]Model{
		llm.TierCheap:    {ID: "claude-haiku-4-5", InputPerMTok: 1, OutputPerMTok: 5},
		llm.TierStandard: {ID: "claude-sonnet-4-5", InputPerMTok: 3, OutputPerMTok: 15},
		llm.TierPremium:  {ID: "claude-opus-4-6", InputPerMTok: 5, OutputPerMTok: 25},
	}
}

// Router is immutable after New and safe for concurrent use.
type Router struct {
	models      map[llm.Tier]Model
	complex     []*regexp.Regexp
	simple      []*regexp.Regexp
	shortLength int
	budgetFloor float64
}

// New compiles the pattern set.
func New(cfg Config) (*Router, error) {
	r := &Router{
		models:      DefaultModels(),
		shortLength: cfg.ShortLength,
		budgetFloor: cfg.BudgetFloor,
	}
	if r.shortLength <= 0 {
		r.shortLength = 40
	}
	if r.budgetFloor <= 0 {
		r.budgetFloor = 1.0
	}
	for tier, m := range cfg.Models {
		if m.ID != "" {
			r.models[tier] = m
		}
	}

	var err error
	if r.complex, err = compile(append(append([]string{}, defaultComplex...), cfg.ComplexPatterns...)); err != nil {
		return nil, fmt.Errorf("complex patterns: %w", err)
	}
	if r.simple, err = compile(append(append([]string{}, defaultSimple...), cfg.SimplePatterns...)); err != nil {
		return nil, fmt.Errorf("simple patterns: %w", err)
	}
	return r, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify maps a message to a tier.
func (r *Router) Classify(msg string) llm.Tier {
	text := strings.TrimSpace(msg)
	if matchAny(r.complex, text) {
		return llm.TierPremium
	}
	if matchAny(r.simple, text) || utf8.RuneCountInString(text) < r.shortLength {
		return llm.TierCheap
	}
	return llm.TierStandard
}

// SelectModel classifies msg and applies the budget floor. A nil
// budgetRemaining means the budget is unknown and never downgrades.
func (r *Router) SelectModel(msg string, budgetRemaining *float64) Selection {
	tier := r.Classify(msg)
	sel := Selection{Tier: tier}
	if tier == llm.TierPremium && budgetRemaining != nil && *budgetRemaining < r.budgetFloor {
		sel.Tier = llm.TierStandard
		sel.Downgraded = true
	}
	sel.Model = r.models[sel.Tier]
	return sel
}

// Model returns the model bound to tier.
func (r *Router) Model(tier llm.Tier) Model {
	return r.models[tier]
}

// Cost prices a call on tier's model.
func (r *Router) Cost(tier llm.Tier, inputTokens, outputTokens int) float64 {
	return r.models[tier].Cost(inputTokens, outputTokens)
}

// Cost prices token usage in USD.
func (m Model) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.InputPerMTok/1e6 + float64(outputTokens)*m.OutputPerMTok/1e6
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
