package core

import (
	"fmt"
	"regexp"

	"pkt.systems/cellbook/schema"
)

// Pattern matches one failure category in rendered output text.
type Pattern struct {
	Kind schema.ClassificationKind
	re   *regexp.Regexp
}

// NewPattern compiles a classifier pattern. For module and name kinds
// the first capture group, when present, extracts the subject.
func NewPattern(kind schema.ClassificationKind, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("classifier pattern %q: %w", expr, err)
	}
	return Pattern{Kind: kind, re: re}, nil
}

// CompilePatterns compiles configured patterns.
func CompilePatterns(cfgs []schema.PatternConfig) ([]Pattern, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	patterns := make([]Pattern, 0, len(cfgs))
	for _, cfg := range cfgs {
		pattern, err := NewPattern(cfg.Kind, cfg.Expr)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, pattern)
	}
	return patterns, nil
}

// defaultPatterns are reverse-engineered from the observed output
// formats of the Python execution backend. The list is best-effort,
// not exhaustive; deployments extend it through configuration.
func defaultPatterns() []Pattern {
	compile := func(kind schema.ClassificationKind, expr string) Pattern {
		return Pattern{Kind: kind, re: regexp.MustCompile(expr)}
	}
	return []Pattern{
		compile(schema.ClassModule, `ModuleNotFoundError: No module named '([^']+)'`),
		compile(schema.ClassModule, `ImportError: No module named '?([A-Za-z0-9_.]+)'?`),
		compile(schema.ClassName, `NameError: name '([^']+)' is not defined`),
		compile(schema.ClassGeneric, `Traceback \(most recent call last\)`),
		compile(schema.ClassGeneric, `(?m)^[A-Za-z_]*(?:Error|Exception)\b`),
	}
}

// classPrecedence orders categories; the first category with any
// matching pattern wins regardless of pattern position in the text.
var classPrecedence = []schema.ClassificationKind{
	schema.ClassModule,
	schema.ClassName,
	schema.ClassGeneric,
}

// Classifier derives a failure category from opaque output text.
type Classifier struct {
	patterns []Pattern
}

// NewClassifier builds a classifier from the default pattern list plus
// the provided extensions.
func NewClassifier(extra ...Pattern) *Classifier {
	return &Classifier{patterns: append(defaultPatterns(), extra...)}
}

// Classify inspects output text and returns the derived category.
// Precedence is module, then name, then generic; first match per
// category wins.
func (c *Classifier) Classify(output string) schema.Classification {
	if c == nil || output == "" {
		return schema.Classification{}
	}
	for _, kind := range classPrecedence {
		for _, pattern := range c.patterns {
			if pattern.Kind != kind {
				continue
			}
			match := pattern.re.FindStringSubmatch(output)
			if match == nil {
				continue
			}
			classification := schema.Classification{Kind: kind}
			if len(match) > 1 {
				switch kind {
				case schema.ClassModule:
					classification.Module = match[1]
				case schema.ClassName:
					classification.Identifier = match[1]
				}
			}
			return classification
		}
	}
	return schema.Classification{}
}
