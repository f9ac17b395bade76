package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/1mcp-app/agent/internal/errs"
	"github.com/1mcp-app/agent/internal/template"
	"github.com/1mcp-app/agent/pkg/logging"
)

// Load runs the full pipeline described in SPEC_FULL.md §4.1: read, parse,
// env-substitute, validate, split static/template, render, resolve conflicts.
func Load(path string, opts Options) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.IOError{Path: path, Err: err}
	}
	return Parse(raw, path, opts)
}

// Parse runs the pipeline over in-memory bytes, used by Load and by the
// watcher which already has the new file contents in hand.
func Parse(raw []byte, sourcePath string, opts Options) (*Result, error) {
	stripped := stripJSON5(raw)

	var generic interface{}
	if err := json.Unmarshal(stripped, &generic); err != nil {
		return nil, &errs.ParseError{Path: sourcePath, Err: err}
	}

	if opts.EnvSubstitution {
		var warnings []string
		generic, warnings = substituteEnv(generic, opts.StrictEnv)
		if opts.StrictEnv && len(warnings) > 0 {
			return nil, &errs.ValidationError{Path: "$", Reason: warnings[0]}
		}
		for _, w := range warnings {
			logging.Warn("config", "%s", w)
		}
	}

	substituted, err := json.Marshal(generic)
	if err != nil {
		return nil, &errs.ParseError{Path: sourcePath, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(substituted, &doc); err != nil {
		return nil, &errs.ParseError{Path: sourcePath, Err: err}
	}

	if err := validateDocument(&doc); err != nil {
		return nil, err
	}

	var warnings []string

	for name, sc := range doc.MCPServers {
		sc.Name = name
		sc.isTemplate = false
	}
	for name, sc := range doc.MCPTemplates {
		sc.Name = name
		sc.isTemplate = true
	}

	engine := template.New()
	renderCache := map[string]map[string]*ServerConfig{}
	failureMode := doc.TemplateSettings.FailureMode
	if failureMode == "" {
		failureMode = "graceful"
	}

	rendered := make(map[string]*ServerConfig, len(doc.MCPTemplates))
	for name, sc := range doc.MCPTemplates {
		cacheKey := ""
		if doc.TemplateSettings.CacheContext {
			cacheKey = contextCacheKey(opts.RenderContext)
			if byCtx, ok := renderCache[name]; ok {
				if cached, ok := byCtx[cacheKey]; ok {
					rendered[name] = cached
					continue
				}
			}
		}

		renderedSC, err := renderServer(engine, sc, opts.RenderContext)
		if err != nil {
			if failureMode == "strict" {
				return nil, &errs.RenderError{ServerName: name, Reason: err.Error()}
			}
			warnings = append(warnings, fmt.Sprintf("template server %q: render failed, keeping unrendered config: %v", name, err))
			rendered[name] = sc
			continue
		}

		rendered[name] = renderedSC
		if doc.TemplateSettings.CacheContext {
			if renderCache[name] == nil {
				renderCache[name] = map[string]*ServerConfig{}
			}
			renderCache[name][cacheKey] = renderedSC
		}
	}

	merged := make(map[string]*ServerConfig, len(doc.MCPServers)+len(rendered))
	for name, sc := range doc.MCPServers {
		merged[name] = sc
	}
	// Template wins on name conflict; static is dropped with a warning.
	for name, sc := range rendered {
		if _, exists := merged[name]; exists {
			warnings = append(warnings, fmt.Sprintf("server %q defined both statically and as a template; template wins", name))
		}
		merged[name] = sc
	}

	for name, sc := range merged {
		if sc.Kind == "" {
			sc.Kind = inferKind(sc)
		}
	}

	if err := validateServers(merged); err != nil {
		return nil, err
	}

	return &Result{Servers: merged, Warnings: warnings}, nil
}

func renderServer(engine *template.Engine, sc *ServerConfig, ctx map[string]interface{}) (*ServerConfig, error) {
	raw, err := json.Marshal(sc)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	replaced, err := engine.Replace(generic, ctx)
	if err != nil {
		return nil, err
	}

	replacedBytes, err := json.Marshal(replaced)
	if err != nil {
		return nil, err
	}

	var out ServerConfig
	if err := json.Unmarshal(replacedBytes, &out); err != nil {
		return nil, err
	}
	out.Name = sc.Name
	out.isTemplate = true
	return &out, nil
}

func inferKind(sc *ServerConfig) Kind {
	if sc.Command != "" {
		return KindStdio
	}
	if strings.HasSuffix(sc.URL, "/mcp") {
		return KindHTTP
	}
	return KindSSE
}

// envVarPattern matches ${NAME} with NAME restricted to the POSIX portable
// environment-variable character set.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnv(v interface{}, strict bool) (interface{}, []string) {
	var warnings []string
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch val := v.(type) {
		case string:
			return envVarPattern.ReplaceAllStringFunc(val, func(match string) string {
				name := envVarPattern.FindStringSubmatch(match)[1]
				value, ok := os.LookupEnv(name)
				if !ok {
					if strict {
						warnings = append(warnings, fmt.Sprintf("environment variable %q is not set", name))
					}
					return ""
				}
				return value
			})
		case map[string]interface{}:
			out := make(map[string]interface{}, len(val))
			for k, v2 := range val {
				out[k] = walk(v2)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(val))
			for i, v2 := range val {
				out[i] = walk(v2)
			}
			return out
		default:
			return v
		}
	}
	return walk(v), warnings
}

// stripJSON5 removes // and /* */ comments and trailing commas before
// object/array closers, outside of string literals, so the result parses
// with encoding/json. This is intentionally conservative: it does not
// support JSON5 features beyond comments and trailing commas (single-quoted
// strings, unquoted keys, etc. are not needed by this config format).
func stripJSON5(in []byte) []byte {
	var out []byte
	inString := false
	escaped := false
	for i := 0; i < len(in); i++ {
		c := in[i]

		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(in) && in[i+1] == '/':
			for i < len(in) && in[i] != '\n' {
				i++
			}
			i--
		case c == '/' && i+1 < len(in) && in[i+1] == '*':
			i += 2
			for i+1 < len(in) && !(in[i] == '*' && in[i+1] == '/') {
				i++
			}
			i++
		case c == ',':
			j := i + 1
			for j < len(in) && isJSONWhitespace(in[j]) {
				j++
			}
			if j < len(in) && (in[j] == '}' || in[j] == ']') {
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

func isJSONWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// contextCacheKey produces a stable key for a render context. encoding/json
// already sorts map keys when marshaling, so this is deterministic across
// calls with the same content regardless of map iteration order.
func contextCacheKey(ctx map[string]interface{}) string {
	b, _ := json.Marshal(ctx)
	return string(b)
}
