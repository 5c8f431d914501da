package config

import (
	"errors"
	"fmt"
	"strings"
)

// RESTfulSection is the top-level section holding one subsection per uploader.
const RESTfulSection = "StdRESTful"

// Placeholder is the value the installer writes for options the user must fill in.
const Placeholder = "replace_me"

var (
	// ErrNotEnabled is returned when a service section sets enable = false.
	ErrNotEnabled = errors.New("service not enabled")
	// ErrMissingOptions is returned when required options are absent.
	ErrMissingOptions = errors.New("missing required options")
)

// MissingOptionsError names the required options a service section lacks.
type MissingOptionsError struct {
	Service  string
	Required []string
	Missing  []string
}

func (e *MissingOptionsError) Error() string {
	return fmt.Sprintf("%s: %v: [%s] (required: %s)",
		e.Service, ErrMissingOptions, strings.Join(e.Missing, ", "), strings.Join(e.Required, ", "))
}

func (e *MissingOptionsError) Unwrap() error { return ErrMissingOptions }

// SiteDict resolves the options of one uploader. Leaves of the StdRESTful
// section are inherited and overridden by the service's own section. The
// enable flag is consumed here.
func SiteDict(root Dict, service string, required ...string) (Dict, error) {
	restful, ok := root.Section(RESTfulSection)
	if !ok {
		return nil, &MissingOptionsError{Service: service, Required: required, Missing: required}
	}
	sec, ok := restful.Section(service)
	if !ok {
		return nil, &MissingOptionsError{Service: service, Required: required, Missing: required}
	}

	if v, ok := sec.Get("enable"); ok && !ToBool(v, true) {
		return nil, fmt.Errorf("%s: %w", service, ErrNotEnabled)
	}

	site := AccumulateLeaves(restful, service)
	site.Pop("enable", nil)

	var missing []string
	for _, key := range required {
		v := strings.TrimSpace(site.String(key))
		if v == "" || v == Placeholder {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingOptionsError{Service: service, Required: required, Missing: missing}
	}

	return site, nil
}
