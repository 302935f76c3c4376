package rule

import (
	"fmt"
	"regexp"

	"mqtt-relay/config"
)

// Rule routes every message whose topic fully matches Pattern to the
// broker named Destination.
type Rule struct {
	Destination string
	Expr        string
	Description string
	Pattern     *regexp.Regexp
}

// Matches reports whether topic matches the rule's pattern end to end.
func (r Rule) Matches(topic string) bool {
	return r.Pattern.MatchString(topic)
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s", r.Expr, r.Destination)
}

// RuleValidationError represents a rule validation error
type RuleValidationError struct {
	Index   int
	Field   string
	Message string
}

// Error implements the error interface
func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("routes[%d].%s: %s", e.Index, e.Field, e.Message)
}

// Compile turns route configuration into rules, preserving order. Disabled
// routes are skipped.
func Compile(routes []config.RouteConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(routes))
	for i, route := range routes {
		if route.Disabled {
			continue
		}
		if err := validateRoute(i, route); err != nil {
			return nil, err
		}

		re, err := config.CompileFullMatch(route.TopicFilter)
		if err != nil {
			return nil, &RuleValidationError{Index: i, Field: "topicFilter", Message: err.Error()}
		}

		rules = append(rules, Rule{
			Destination: route.Broker,
			Expr:        route.TopicFilter,
			Description: route.Description,
			Pattern:     re,
		})
	}
	return rules, nil
}
