package gates

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
)

// FormFactor is the coarse device class derived from a model string.
type FormFactor string

const (
	FormFactorPhone   FormFactor = "phone"
	FormFactorTablet  FormFactor = "tablet"
	FormFactorDesktop FormFactor = "desktop"
	FormFactorUnknown FormFactor = "unknown"
)

// Classifier decides whether a device may see the remote destination.
type Classifier interface {
	IsEligible(model string) bool
}

// Model fragments, matched case-insensitively. Tablets are checked first so
// "Galaxy Tab" never falls through to the generic Android phone rule.
var (
	tabletContains = []string{"ipad", "tablet", "galaxy tab", "kindle", "surface go"}
	tabletPrefixes = []string{"sm-t", "sm-x", "sm-p", "kf"}
	phoneContains  = []string{"iphone", "ipod", "pixel", "android", "phone", "galaxy"}
	phonePrefixes  = []string{"sm-"}
	desktopContain = []string{"mac", "windows", "linux", "desktop", "x86_64", "chromebook"}
)

// Classify maps a device model to its form factor.
func Classify(model string) FormFactor {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return FormFactorUnknown
	}
	switch {
	case containsAny(m, tabletContains) || hasAnyPrefix(m, tabletPrefixes):
		return FormFactorTablet
	case containsAny(m, phoneContains) || hasAnyPrefix(m, phonePrefixes):
		return FormFactorPhone
	case containsAny(m, desktopContain):
		return FormFactorDesktop
	}
	return FormFactorUnknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// FormFactorClassifier excludes tablets and admits every other class.
type FormFactorClassifier struct{}

func (FormFactorClassifier) IsEligible(model string) bool {
	return Classify(model) != FormFactorTablet
}

// RuleClassifier evaluates an operator-supplied expression over
// {model, class}. The expression must yield a bool.
type RuleClassifier struct {
	rule    string
	program *exprvm.Program
	logger  *zap.Logger
}

// NewRuleClassifier compiles rule once.
func NewRuleClassifier(rule string, logger *zap.Logger) (*RuleClassifier, error) {
	if strings.TrimSpace(rule) == "" {
		return nil, fmt.Errorf("NewRuleClassifier: rule must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	program, err := exprlang.Compile(rule,
		exprlang.Env(ruleEnv("", FormFactorUnknown)),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("NewRuleClassifier: %w", err)
	}
	return &RuleClassifier{rule: rule, program: program, logger: logger}, nil
}

// IsEligible runs the rule. Evaluation errors make the device ineligible.
func (c *RuleClassifier) IsEligible(model string) bool {
	out, err := exprlang.Run(c.program, ruleEnv(model, Classify(model)))
	if err != nil {
		c.logger.Warn("device rule evaluation failed",
			zap.String("rule", c.rule),
			zap.String("model", model),
			zap.Error(err),
		)
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func ruleEnv(model string, class FormFactor) map[string]any {
	return map[string]any{
		"model": model,
		"class": string(class),
	}
}
