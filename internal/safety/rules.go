package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxLength is the longest candidate, in characters, the gate accepts.
const DefaultMaxLength = 1000

// DefaultSafeMessage replaces any rejected candidate.
const DefaultSafeMessage = "为了保护你的安全，我无法提供相关回答。如果你有其他问题，我很乐意帮助你。"

// Pattern categories.
const (
	CategoryPhone      = "phone"
	CategoryNationalID = "national_id"
	CategoryEmail      = "email"
)

// PatternRule is a named regular expression.
type PatternRule struct {
	Category string `mapstructure:"category" yaml:"category"`
	Expr     string `mapstructure:"expr" yaml:"expr"`
}

// Rules are the rule-based checks, applied in order: keywords, patterns,
// length.
type Rules struct {
	Keywords  []string      `mapstructure:"keywords" yaml:"keywords"`
	Patterns  []PatternRule `mapstructure:"patterns" yaml:"patterns"`
	MaxLength int           `mapstructure:"max_length" yaml:"max_length"`
}

// DefaultRules returns the built-in keyword list, the phone, national ID
// and email patterns, and a 1000 character cap.
func DefaultRules() Rules {
	return Rules{
		Keywords: []string{
			// violence
			"暴力", "打架", "杀人", "死亡", "流血", "武器", "刀", "枪",
			// adult content
			"成人", "色情", "性", "恋爱", "约会",
			// self harm and substances
			"自杀", "自残", "毒品", "酒精", "吸烟",
			// personal information
			"密码", "身份证", "银行卡", "家庭地址", "电话号码",
			// negative emotion
			"绝望", "无意义", "恨", "报复",
		},
		Patterns: []PatternRule{
			{Category: CategoryPhone, Expr: `\d{11}`},
			{Category: CategoryNationalID, Expr: `\d{17}[\dXx]`},
			{Category: CategoryEmail, Expr: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
		},
		MaxLength: DefaultMaxLength,
	}
}

type compiledPattern struct {
	category string
	regex    *regexp.Regexp
}

type compiledRules struct {
	keywords  []string
	patterns  []compiledPattern
	maxLength int
}

func compile(r Rules) (*compiledRules, error) {
	c := &compiledRules{maxLength: r.MaxLength}
	for _, kw := range r.Keywords {
		if kw != "" {
			c.keywords = append(c.keywords, kw)
		}
	}
	for i, p := range r.Patterns {
		category := strings.TrimSpace(p.Category)
		if category == "" {
			return nil, fmt.Errorf("pattern %d: empty category", i)
		}
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", category, err)
		}
		c.patterns = append(c.patterns, compiledPattern{category: category, regex: re})
	}
	return c, nil
}

// check returns the rejection reason, or "" when the text passes.
func (c *compiledRules) check(text string) string {
	for _, kw := range c.keywords {
		if strings.Contains(text, kw) {
			return "keyword: " + kw
		}
	}
	for _, p := range c.patterns {
		if p.regex.MatchString(text) {
			return "pattern: " + p.category
		}
	}
	if c.maxLength > 0 && len([]rune(text)) > c.maxLength {
		return "too long"
	}
	return ""
}
