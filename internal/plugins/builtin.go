// ABOUTME: Built-in plugins: test suites, custom API calls, translation and documentation
// ABOUTME: Each one validates its input by schema and normalizes provider output

package plugins

import (
	"context"
	"fmt"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/providers"
)

var everyone = []string{auth.RoleAdmin, auth.RoleUser}

func testDefinition() Definition {
	return Definition{
		Name:  "test",
		Roles: everyone,
		Schema: `{
			"type": "object",
			"properties": {
				"suite": {"type": "string", "enum": ["unit", "integration", "all"]}
			},
			"required": ["suite"],
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, p providers.Provider, input map[string]any) (map[string]any, error) {
			suite := input["suite"].(string)
			command := "test.sh"
			if suite != "all" {
				command += " " + suite
			}
			res, err := p.RunCLI(ctx, command)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"plugin": "test",
				"summary": map[string]any{
					"suite":      suite,
					"returncode": res.ReturnCode,
				},
				"log": map[string]any{"stdout": res.Stdout, "stderr": res.Stderr},
			}, nil
		},
	}
}

func customAPIDefinition() Definition {
	return Definition{
		Name:  "custom_api",
		Roles: everyone,
		Schema: `{
			"type": "object",
			"required": ["url", "method"],
			"properties": {
				"url": {"type": "string", "format": "uri-reference"},
				"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"body": {"type": ["object", "array", "string", "null"]}
			},
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, p providers.Provider, input map[string]any) (map[string]any, error) {
			req := providers.APIRequest{
				URL:    input["url"].(string),
				Method: input["method"].(string),
				Body:   input["body"],
			}
			if headers, ok := input["headers"].(map[string]any); ok {
				req.Headers = make(map[string]string, len(headers))
				for k, v := range headers {
					req.Headers[k] = fmt.Sprint(v)
				}
			}
			res, err := p.RunAPICall(ctx, req)
			if err != nil {
				return nil, err
			}
			return map[string]any{"plugin": "custom_api", "result": res}, nil
		},
	}
}

func translationDefinition() Definition {
	return Definition{
		Name:  "translation",
		Roles: everyone,
		Schema: `{
			"type": "object",
			"required": ["source_lang", "target_lang", "text"],
			"properties": {
				"source_lang": {"type": "string", "minLength": 2},
				"target_lang": {"type": "string", "minLength": 2},
				"text": {"type": "string", "minLength": 1}
			},
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, p providers.Provider, input map[string]any) (map[string]any, error) {
			source := input["source_lang"].(string)
			target := input["target_lang"].(string)
			text := input["text"].(string)

			prompt := fmt.Sprintf("You are a professional translator.\n"+
				"Translate the following text from %s to %s.\n"+
				"Return ONLY the translated text, no explanations.\n\n%s", source, target, text)

			translated, err := chatContent(ctx, p, prompt)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"plugin":      "translation",
				"source_lang": source,
				"target_lang": target,
				"original":    text,
				"translated":  translated,
			}, nil
		},
	}
}

var docInstructions = map[string]string{
	"readme": "Write a comprehensive README.md with sections: Overview, Installation, Usage, Configuration, Examples.",
	"api":    "Write API documentation with all endpoints, parameters, request/response examples.",
	"full": "Write full project documentation including:\n" +
		"1. README.md (Overview, Installation, Usage)\n" +
		"2. API Reference\n" +
		"3. Architecture overview\n" +
		"4. Configuration guide",
}

func documentationDefinition() Definition {
	return Definition{
		Name:  "documentation",
		Roles: everyone,
		Schema: `{
			"type": "object",
			"required": ["project_name", "context"],
			"properties": {
				"project_name": {"type": "string", "minLength": 1},
				"context": {"type": "string", "minLength": 1},
				"doc_type": {"type": "string", "enum": ["readme", "api", "full"], "default": "full"}
			},
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, p providers.Provider, input map[string]any) (map[string]any, error) {
			project := input["project_name"].(string)
			docType, _ := input["doc_type"].(string)
			if docType == "" {
				docType = "full"
			}

			prompt := fmt.Sprintf("You are a technical documentation writer.\n"+
				"Project: %s\nContext:\n%s\n\n%s\n\n"+
				"Use Markdown formatting. Be thorough and developer-friendly.",
				project, input["context"], docInstructions[docType])

			documentation, err := chatContent(ctx, p, prompt)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"plugin":        "documentation",
				"project_name":  project,
				"doc_type":      docType,
				"documentation": documentation,
			}, nil
		},
	}
}
