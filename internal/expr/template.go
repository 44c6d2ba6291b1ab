package expr

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var (
	templateRe       = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	bareIdentifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
)

// ParseTemplate replaces every {{...}} occurrence in the template string.
// A bare identifier substitutes its stringified value, or the empty string
// when the variable is undefined. Anything else is evaluated as an expression
// and the stringified result substituted. When evaluation fails the original
// {{...}} text is left unchanged, so a broken template degrades visibly
// instead of silently producing empty output.
func (e *Evaluator) ParseTemplate(template string, vars map[string]any) string {
	return templateRe.ReplaceAllStringFunc(template, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		if inner == "" {
			return match
		}

		if bareIdentifierRe.MatchString(inner) {
			if deniedIdentifiers[inner] {
				return match
			}
			v, ok := vars[inner]
			if !ok || v == nil {
				return ""
			}
			return stringify(v)
		}

		src := Normalize(inner)
		if ident := deniedIdentifierIn(src); ident != "" {
			e.logger.Warn("template references denied identifier",
				zap.String("template", match),
				zap.String("identifier", ident),
			)
			return match
		}

		out, err := e.run(src, vars)
		if err != nil {
			e.logger.Warn("template evaluation failed",
				zap.String("template", match),
				zap.Error(err),
			)
			return match
		}
		return stringify(out)
	})
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
