// Package schema implements the Schema Converter: it turns a provider's
// declared tools into a typed API description that is embedded into
// generated worker programs (see the workergen package) so sandboxed code
// can reference tool signatures without a prompt-context-sized schema dump.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/provider"
)

// charsPerTokenEstimate is the fixed divisor the gateway uses to turn a
// character count into a rough token estimate for reporting purposes only;
// it is not a tokenizer and makes no claim to match any particular model's
// actual tokenization.
const charsPerTokenEstimate = 3.5

// Efficiency reports how much of a provider's full generated API surface a
// single execution actually exercised: the worker only knows which tool
// names it called (workergen's proxy tracks that), so the Supervisor pairs
// that list with the provider's cached tool set to compute this afterward.
type Efficiency struct {
	ToolsTotal              int     `json:"tools_total"`
	ToolsInvoked            int     `json:"tools_invoked"`
	SchemaSizeTotalChars    int     `json:"schema_size_total_chars"`
	SchemaSizeUsedChars     int     `json:"schema_size_used_chars"`
	UtilizationPercent      float64 `json:"schema_utilization_percent"`
	SizeReductionPercent    float64 `json:"schema_size_reduction_percent"`
	EstimatedTokensTotal    float64 `json:"estimated_tokens_total"`
	EstimatedTokensUsed     float64 `json:"estimated_tokens_used"`
}

// ComputeEfficiency derives an Efficiency summary from the full tool set a
// provider exposes and the subset of tool names one execution invoked.
// schema_size_used_chars <= schema_size_total_chars holds because the used
// text is rendered from a strict subset of the same per-tool declarations
// that make up the total text; schema_utilization_percent and
// schema_size_reduction_percent are derived from the same rounded
// utilization value so they always sum to exactly 100.
func ComputeEfficiency(tools []provider.ToolDescriptor, toolsCalled []string) Efficiency {
	called := make(map[string]bool, len(toolsCalled))
	for _, name := range toolsCalled {
		called[name] = true
	}
	used := make([]provider.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		if called[tool.Name] {
			used = append(used, tool)
		}
	}

	totalChars := len([]rune(ToTypedAPIText(tools)))
	usedChars := len([]rune(ToTypedAPIText(used)))

	eff := Efficiency{
		ToolsTotal:           len(tools),
		ToolsInvoked:         len(used),
		SchemaSizeTotalChars: totalChars,
		SchemaSizeUsedChars:  usedChars,
		EstimatedTokensTotal: math.Round(float64(totalChars)/charsPerTokenEstimate*100) / 100,
		EstimatedTokensUsed:  math.Round(float64(usedChars)/charsPerTokenEstimate*100) / 100,
	}
	if totalChars == 0 {
		eff.SizeReductionPercent = 100
		return eff
	}
	eff.UtilizationPercent = math.Round(float64(usedChars)/float64(totalChars)*100*100) / 100
	eff.SizeReductionPercent = 100 - eff.UtilizationPercent
	return eff
}

// ValidateToolSchemas compiles every tool's input_schema with a JSON Schema
// compiler and rejects the batch on the first malformed schema. This keeps
// malformed provider output from reaching code generation, where it would
// otherwise synthesize invalid program text.
func ValidateToolSchemas(tools []provider.ToolDescriptor) error {
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(tool.InputSchema, &doc); err != nil {
			return &gatewayerr.ValidationError{Field: "tools[" + tool.Name + "].input_schema", Message: err.Error()}
		}
		resourceName := "tool:" + tool.Name
		if err := compiler.AddResource(resourceName, doc); err != nil {
			return &gatewayerr.ValidationError{Field: "tools[" + tool.Name + "].input_schema", Message: err.Error()}
		}
		if _, err := compiler.Compile(resourceName); err != nil {
			return &gatewayerr.ValidationError{Field: "tools[" + tool.Name + "].input_schema", Message: err.Error()}
		}
	}
	return nil
}

// ToTypedAPIText renders a human- and tool-readable description of a
// provider's tools, one TypeScript-shaped declaration per tool, sorted by
// name so the output (and therefore the schema cache entry) is
// deterministic across runs with the same tool set.
func ToTypedAPIText(tools []provider.ToolDescriptor) string {
	sorted := make([]provider.ToolDescriptor, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, tool := range sorted {
		if tool.Description != "" {
			b.WriteString("// " + oneLine(tool.Description) + "\n")
		}
		shape := "unknown"
		if len(tool.InputSchema) > 0 {
			var doc map[string]any
			if err := json.Unmarshal(tool.InputSchema, &doc); err == nil {
				shape = renderShape(doc, 0)
			}
		}
		fmt.Fprintf(&b, "declare function %s(input: %s): Promise<unknown>;\n\n", sanitizeIdent(tool.Name), shape)
	}
	return b.String()
}

func renderShape(schemaDoc map[string]any, depth int) string {
	if depth > 6 {
		return "unknown"
	}
	typ, _ := schemaDoc["type"].(string)
	switch typ {
	case "object", "":
		props, _ := schemaDoc["properties"].(map[string]any)
		if len(props) == 0 {
			return "Record<string, unknown>"
		}
		required := map[string]bool{}
		if req, ok := schemaDoc["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required[s] = true
				}
			}
		}
		names := make([]string, 0, len(props))
		for k := range props {
			names = append(names, k)
		}
		sort.Strings(names)
		var b strings.Builder
		b.WriteString("{ ")
		for _, name := range names {
			sub, _ := props[name].(map[string]any)
			optional := ""
			if !required[name] {
				optional = "?"
			}
			fmt.Fprintf(&b, "%s%s: %s; ", sanitizeIdent(name), optional, renderShape(sub, depth+1))
		}
		b.WriteString("}")
		return b.String()
	case "array":
		items, _ := schemaDoc["items"].(map[string]any)
		return renderShape(items, depth+1) + "[]"
	case "string":
		return "string"
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "unknown"
	}
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
}

// sanitizeIdent mirrors the escaping discipline required for worker-program
// codegen (§4.6): tool names may carry arbitrary punctuation, so any
// character that is not a valid identifier rune becomes an underscore when
// the name is rendered as a declaration target here. The RPC bridge and
// tool proxy always address the tool by its original, unsanitized name;
// only this human-facing rendering is simplified.
func sanitizeIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	return out
}
