package rule

import (
	"sort"

	"mqtt-relay/config"
	"mqtt-relay/internal/logger"
)

// validateRoute checks the fields every route must carry.
func validateRoute(i int, route config.RouteConfig) error {
	if route.Broker == "" {
		return &RuleValidationError{
			Index:   i,
			Field:   "broker",
			Message: "destination broker cannot be empty",
		}
	}

	if route.TopicFilter == "" {
		return &RuleValidationError{
			Index:   i,
			Field:   "topicFilter",
			Message: "topic filter cannot be empty",
		}
	}

	if _, err := config.CompileFullMatch(route.TopicFilter); err != nil {
		return &RuleValidationError{
			Index:   i,
			Field:   "topicFilter",
			Message: err.Error(),
		}
	}

	return nil
}

// Validator checks routes against the configured broker set.
type Validator struct {
	brokers map[string]struct{}
	logger  *logger.Logger
}

func NewValidator(brokerNames []string, log *logger.Logger) *Validator {
	brokers := make(map[string]struct{}, len(brokerNames))
	for _, name := range brokerNames {
		brokers[name] = struct{}{}
	}
	return &Validator{brokers: brokers, logger: log}
}

// Validate returns the first malformed route as an error. Routes to brokers
// that are not configured are legal and only reported: publishing to them
// is a no-op at runtime. The unknown names are returned sorted.
func (v *Validator) Validate(routes []config.RouteConfig) ([]string, error) {
	unknown := make(map[string]struct{})

	for i, route := range routes {
		if err := validateRoute(i, route); err != nil {
			return nil, err
		}
		if route.Disabled {
			continue
		}
		if _, ok := v.brokers[route.Broker]; !ok {
			unknown[route.Broker] = struct{}{}
		}
	}

	names := make([]string, 0, len(unknown))
	for name := range unknown {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v.logger.Warn("route destination is not a configured broker",
			"broker", name)
	}

	return names, nil
}
