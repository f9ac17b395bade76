package config

import (
	"fmt"

	"github.com/1mcp-app/agent/internal/errs"
)

// validateDocument checks structural invariants that apply before template
// rendering: every entry must declare a name-derived identity and a kind
// consistent with its fields. Kind may be blank here; it is inferred after
// template rendering and re-checked by validateServers.
func validateDocument(doc *Document) error {
	if doc.MCPServers == nil && doc.MCPTemplates == nil {
		return &errs.ValidationError{Path: "$", Reason: "document must define at least one of mcpServers or mcpTemplates"}
	}

	switch doc.TemplateSettings.FailureMode {
	case "", "strict", "graceful":
	default:
		return &errs.ValidationError{
			Path:   "$.templateSettings.failureMode",
			Reason: fmt.Sprintf("must be \"strict\" or \"graceful\", got %q", doc.TemplateSettings.FailureMode),
		}
	}

	for name, sc := range doc.MCPServers {
		if err := validateServerShape(fmt.Sprintf("$.mcpServers.%s", name), sc); err != nil {
			return err
		}
	}
	for name, sc := range doc.MCPTemplates {
		if err := validateServerShape(fmt.Sprintf("$.mcpTemplates.%s", name), sc); err != nil {
			return err
		}
	}
	return nil
}

// validateServerShape checks the fields that are known before rendering:
// kind-appropriate field presence. String fields that are still templated
// (containing "{{") are accepted even where a stricter check would
// otherwise fail, since their real value isn't known until render time.
func validateServerShape(path string, sc *ServerConfig) error {
	if sc == nil {
		return &errs.ValidationError{Path: path, Reason: "server entry must not be null"}
	}

	if sc.Kind != "" {
		switch sc.Kind {
		case KindStdio, KindHTTP, KindSSE:
		default:
			return &errs.ValidationError{Path: path + ".kind", Reason: fmt.Sprintf("unknown kind %q", sc.Kind)}
		}
	}

	if isTemplated(sc.Command) || isTemplated(sc.URL) {
		return nil
	}

	switch sc.Kind {
	case KindStdio:
		if sc.Command == "" {
			return &errs.ValidationError{Path: path + ".command", Reason: "stdio servers require a command"}
		}
	case KindHTTP, KindSSE:
		if sc.URL == "" {
			return &errs.ValidationError{Path: path + ".url", Reason: "http/sse servers require a url"}
		}
	case "":
		if sc.Command == "" && sc.URL == "" {
			return &errs.ValidationError{Path: path, Reason: "server must set either command (stdio) or url (http/sse)"}
		}
	}

	if sc.MaxRestarts < 0 {
		return &errs.ValidationError{Path: path + ".maxRestarts", Reason: "must be >= 0"}
	}

	return nil
}

// validateServers re-checks the fully rendered, merged server set, where
// every kind and field is expected to have its final value.
func validateServers(servers map[string]*ServerConfig) error {
	for name, sc := range servers {
		path := fmt.Sprintf("$.servers.%s", name)
		switch sc.Kind {
		case KindStdio:
			if sc.Command == "" {
				return &errs.ValidationError{Path: path + ".command", Reason: "stdio server resolved with no command"}
			}
		case KindHTTP, KindSSE:
			if sc.URL == "" {
				return &errs.ValidationError{Path: path + ".url", Reason: "http/sse server resolved with no url"}
			}
		default:
			return &errs.ValidationError{Path: path + ".kind", Reason: fmt.Sprintf("unresolvable kind %q", sc.Kind)}
		}

		if sc.Template != nil && sc.Template.MaxInstances < 0 {
			return &errs.ValidationError{Path: path + ".template.maxInstances", Reason: "must be >= 0"}
		}
	}
	return nil
}

func isTemplated(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '{' && s[i+1] == '{' {
			return true
		}
	}
	return false
}
