package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	procbindschema "github.com/Paintersrp/procbind/schema"
)

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

const schemaResource = "spawn.v1.json"

func loadManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaResource, bytes.NewReader(procbindschema.SpawnV1Schema)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		manifestSchema, schemaErr = compiler.Compile(schemaResource)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return manifestSchema, nil
}

// stdioShapes lists the accepted forms of one stdio entry, reported instead
// of the per-alternative failures.
const stdioShapes = "expected pipe, ignore, inherit, ipc, {fd: N} or {file: PATH, append: BOOL}"

var (
	unknownFieldsMessage  = regexp.MustCompile(`^additionalProperties (.+) not allowed$`)
	missingFieldsMessage  = regexp.MustCompile(`^missing properties: (.+)$`)
	quotedPropertyPattern = regexp.MustCompile(`'([^']*)'`)
)

// fieldIssue is one schema violation addressed by manifest field.
type fieldIssue struct {
	field   string
	message string
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := loadManifestSchema()
	if err != nil {
		return fmt.Errorf("load manifest schema: %w", err)
	}

	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare manifest for schema validation: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		var vErr *jsonschema.ValidationError
		if errors.As(err, &vErr) {
			return manifestError(collectIssues(vErr, nil))
		}
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}

func normalizeForSchema(doc map[string]any) (any, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	if err := encoder.Encode(doc); err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func manifestError(issues []fieldIssue) error {
	if len(issues) == 0 {
		return errors.New("invalid manifest")
	}
	lines := make([]string, len(issues))
	for i, issue := range issues {
		lines[i] = issue.field + ": " + issue.message
	}
	if len(lines) == 1 {
		return fmt.Errorf("invalid manifest: %s", lines[0])
	}
	return fmt.Errorf("invalid manifest:\n  %s", strings.Join(lines, "\n  "))
}

// collectIssues flattens err to its leaf failures. A stdio entry that matches
// none of its shapes yields a single issue listing them.
func collectIssues(err *jsonschema.ValidationError, out []fieldIssue) []fieldIssue {
	segments := locationSegments(err.InstanceLocation)
	if len(err.Causes) > 0 && isStdioEntry(segments) {
		return appendIssue(out, fieldIssue{field: manifestField(segments), message: stdioShapes})
	}
	if len(err.Causes) == 0 {
		for _, issue := range leafIssues(segments, err.Message) {
			out = appendIssue(out, issue)
		}
		return out
	}
	for _, cause := range err.Causes {
		out = collectIssues(cause, out)
	}
	return out
}

// leafIssues rewrites messages naming properties so that each property is
// reported as its own field.
func leafIssues(segments []string, message string) []fieldIssue {
	for _, rule := range []struct {
		pattern *regexp.Regexp
		message string
	}{
		{unknownFieldsMessage, "unknown field"},
		{missingFieldsMessage, "is required"},
	} {
		m := rule.pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		var issues []fieldIssue
		for _, name := range quotedPropertyPattern.FindAllStringSubmatch(m[1], -1) {
			field := append(append([]string(nil), segments...), name[1])
			issues = append(issues, fieldIssue{field: manifestField(field), message: rule.message})
		}
		if len(issues) > 0 {
			return issues
		}
	}
	return []fieldIssue{{field: manifestField(segments), message: message}}
}

func appendIssue(out []fieldIssue, issue fieldIssue) []fieldIssue {
	for _, existing := range out {
		if existing == issue {
			return out
		}
	}
	return append(out, issue)
}

func isStdioEntry(segments []string) bool {
	if len(segments) != 2 || segments[0] != "stdio" {
		return false
	}
	_, err := strconv.Atoi(segments[1])
	return err == nil
}

func locationSegments(ptr string) []string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return nil
	}
	segments := strings.Split(ptr, "/")
	for i, segment := range segments {
		segments[i] = strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
	}
	return segments
}

// manifestField renders a location as it is written in error messages
// elsewhere in this package: stdio[1], env.PORT.
func manifestField(segments []string) string {
	if len(segments) == 0 {
		return "manifest"
	}
	var b strings.Builder
	for _, segment := range segments {
		if _, err := strconv.Atoi(segment); err == nil {
			fmt.Fprintf(&b, "[%s]", segment)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(segment)
	}
	return b.String()
}
