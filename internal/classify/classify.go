package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rzbill/relay/internal/message"
)

// Detection records how a tier was chosen.
type Detection string

const (
	DetectionManual Detection = "manual"
	DetectionAuto   Detection = "auto"
	DetectionSpam   Detection = "spam"
)

// Result is the outcome of classifying one inbound message.
type Result struct {
	Tier      message.Tier `json:"tier"`
	Spam      bool         `json:"spam"`
	Detection Detection    `json:"detection"`
}

// Config tunes the classifier. Zero values fall back to the built-in lists.
type Config struct {
	SpamKeywords   []string `json:"spam_keywords"`
	UrgentKeywords []string `json:"urgent_keywords"`
	HighKeywords   []string `json:"high_keywords"`
	MaxLength      int      `json:"max_length"`
	// Rules are CEL expressions over (text, sender, length); any rule
	// evaluating to true marks the message as spam.
	Rules []string `json:"rules"`
}

var defaultSpamKeywords = []string{
	"buy now", "free money", "visit this site",
	"click here", "subscribe", "lottery",
	"win cash", "make money fast", "100% free",
	"limited offer", "act now", "double your",
	"work from home",
}

var defaultUrgentKeywords = []string{
	"urgent", "emergency", "help", "asap", "911",
	"critical", "bug", "down", "broken", "crash",
}

var defaultHighKeywords = []string{
	"important", "priority", "meeting", "deadline",
	"issue", "attention", "review", "approval",
}

const defaultMaxLength = 300

var (
	urlPattern  = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+)`)
	punctuation = regexp.MustCompile(`[^a-z0-9\s]`)
)

// Classifier decides spam and urgency for inbound messages. It is pure from
// the pipeline's point of view: no queue ever re-classifies.
type Classifier struct {
	spamKeywords   []string
	urgentKeywords []string
	highKeywords   []string
	maxLength      int
	rules          []spamRule
}

// New compiles cfg, including any CEL rules, into a Classifier.
func New(cfg Config) (*Classifier, error) {
	c := &Classifier{
		spamKeywords:   cfg.SpamKeywords,
		urgentKeywords: cfg.UrgentKeywords,
		highKeywords:   cfg.HighKeywords,
		maxLength:      cfg.MaxLength,
	}
	if len(c.spamKeywords) == 0 {
		c.spamKeywords = defaultSpamKeywords
	}
	if len(c.urgentKeywords) == 0 {
		c.urgentKeywords = defaultUrgentKeywords
	}
	if len(c.highKeywords) == 0 {
		c.highKeywords = defaultHighKeywords
	}
	if c.maxLength <= 0 {
		c.maxLength = defaultMaxLength
	}
	for _, expr := range cfg.Rules {
		rule, err := compileSpamRule(expr)
		if err != nil {
			return nil, err
		}
		if rule.enabled {
			c.rules = append(c.rules, rule)
		}
	}
	return c, nil
}

// Classify applies spam detection and tier selection. Spam always forces the
// LOW tier regardless of any manual override.
func (c *Classifier) Classify(sender, text string, manual *message.Tier) Result {
	if c.IsSpam(sender, text) {
		return Result{Tier: message.TierLow, Spam: true, Detection: DetectionSpam}
	}
	if manual != nil && manual.Valid() {
		return Result{Tier: *manual, Detection: DetectionManual}
	}
	return Result{Tier: c.autoTier(text), Detection: DetectionAuto}
}

// IsSpam reports whether text trips any spam heuristic or configured rule.
func (c *Classifier) IsSpam(sender, text string) bool {
	if text == "" {
		return false
	}

	lower := strings.ToLower(text)
	clean := punctuation.ReplaceAllString(lower, "")

	for _, kw := range c.spamKeywords {
		if strings.Contains(clean, kw) {
			return true
		}
	}
	if hasRepeatedChars(lower, 5) {
		return true
	}
	if hasRepeatedWords(lower, 3) {
		return true
	}
	if urlPattern.MatchString(text) {
		return true
	}
	if len(text) > c.maxLength {
		return true
	}
	for _, rule := range c.rules {
		if rule.eval(sender, text) {
			return true
		}
	}
	return false
}

func (c *Classifier) autoTier(text string) message.Tier {
	lower := strings.ToLower(strings.TrimSpace(text))

	for _, kw := range c.urgentKeywords {
		if strings.Contains(lower, kw) {
			return message.TierUrgent
		}
	}
	for _, kw := range c.highKeywords {
		if strings.Contains(lower, kw) {
			return message.TierHigh
		}
	}
	if strings.Contains(text, "@") && len(text) > 1 {
		return message.TierHigh
	}
	if len(text) > 5 && isShouting(text) {
		return message.TierHigh
	}
	if strings.Count(text, "!") >= 3 {
		return message.TierHigh
	}
	return message.TierNormal
}

// hasRepeatedChars reports a run of n or more identical characters
// ("heyyyyy"). RE2 has no backreferences, so this is done by hand.
func hasRepeatedChars(s string, n int) bool {
	run := 0
	var prev rune
	for i, r := range s {
		if i > 0 && r == prev {
			run++
			if run+1 >= n {
				return true
			}
		} else {
			run = 0
		}
		prev = r
	}
	return false
}

// hasRepeatedWords reports the same word appearing n or more times in a row
// ("free free free").
func hasRepeatedWords(s string, n int) bool {
	words := strings.Fields(s)
	run := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

// isShouting reports whether text has letters and every letter is uppercase.
func isShouting(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}
