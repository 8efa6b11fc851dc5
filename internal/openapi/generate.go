// Package openapi derives an OpenAPI 3.0 document from a flow and its API
// configuration. Generation is a pure function: no network, no clock, and a
// deterministic document (map keys serialize sorted).
package openapi

import (
	"fmt"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// Generate builds the OpenAPI document for one published flow.
func Generate(f *flow.Flow, api *flow.FlowAPI, baseURL string) (map[string]any, error) {
	inputs, err := ExtractInputs(f)
	if err != nil {
		return nil, err
	}
	outputs := ExtractOutputs(f)

	slug := api.Slug
	if slug == "" {
		slug = flow.Slugify(f.Name)
	}
	title := api.Title
	if title == "" {
		title = f.Name
	}
	version := api.APIVersion
	if version == "" {
		version = "1.0.0"
	}

	inputProps := map[string]any{}
	var requiredInputs []any
	for _, p := range inputs {
		inputProps[p.Name] = paramSchema(p)
		if p.Required {
			requiredInputs = append(requiredInputs, p.Name)
		}
	}
	outputProps := map[string]any{}
	for _, p := range outputs {
		outputProps[p.Name] = outputSchema(p)
	}

	inputsSchema := map[string]any{"type": "object", "properties": inputProps}
	if len(requiredInputs) > 0 {
		inputsSchema["required"] = requiredInputs
	}
	outputsSchema := map[string]any{"type": "object", "properties": outputProps}

	optionsSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timeout": map[string]any{
				"type": "integer", "description": "execution timeout in milliseconds",
				"default": api.Timeout,
			},
			"ttl": map[string]any{
				"type": "integer", "description": "result retention in seconds",
				"default": api.DefaultTTL, "maximum": float64(api.MaxTTL),
			},
			"async":   map[string]any{"type": "boolean", "default": false},
			"webhook": map[string]any{"type": "string", "format": "uri"},
		},
	}

	security := []any{
		map[string]any{"ApiKeyAuth": []any{}},
		map[string]any{"BearerAuth": []any{}},
	}
	errorResponse := func(desc string) map[string]any {
		return map[string]any{
			"description": desc,
			"content": map[string]any{"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/Error"},
			}},
		}
	}

	base := fmt.Sprintf("/api/v1/flows/%s", slug)
	doc := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       title,
			"description": api.Description,
			"version":     version,
		},
		"paths": map[string]any{
			base + "/run": map[string]any{
				"post": map[string]any{
					"operationId": "executeFlow",
					"summary":     fmt.Sprintf("Execute %s", f.Name),
					"security":    security,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{"application/json": map[string]any{
							"schema": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"inputs":  inputsSchema,
									"options": optionsSchema,
								},
							},
						}},
					},
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Execution result, or a run descriptor when async",
							"content": map[string]any{"application/json": map[string]any{
								"schema": map[string]any{
									"oneOf": []any{
										map[string]any{
											"type": "object",
											"properties": map[string]any{
												"runId":   map[string]any{"type": "string"},
												"status":  map[string]any{"type": "string"},
												"outputs": outputsSchema,
											},
										},
										map[string]any{
											"type": "object",
											"properties": map[string]any{
												"runId":     map[string]any{"type": "string"},
												"statusUrl": map[string]any{"type": "string"},
												"resultUrl": map[string]any{"type": "string"},
											},
										},
									},
								},
							}},
						},
						"400": errorResponse("Malformed input or flow validation failure"),
						"401": errorResponse("Missing or invalid credentials"),
						"404": errorResponse("Unknown flow or slug"),
						"429": errorResponse("Rate limit exceeded"),
						"500": errorResponse("Internal scheduler or worker error"),
					},
				},
			},
			base + "/runs/{runId}": map[string]any{
				"get": map[string]any{
					"operationId": "getRun",
					"summary":     "Inspect a run's status and result",
					"security":    security,
					"parameters": []any{
						map[string]any{
							"name": "runId", "in": "path", "required": true,
							"schema": map[string]any{"type": "string", "format": "uuid"},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Run record",
							"content": map[string]any{"application/json": map[string]any{
								"schema": map[string]any{"$ref": "#/components/schemas/Run"},
							}},
						},
						"404": errorResponse("Unknown run id"),
					},
				},
			},
			base + "/schema": map[string]any{
				"get": map[string]any{
					"operationId": "getSchema",
					"summary":     "Input and output schemas",
					"security":    security,
					"responses": map[string]any{
						"200": map[string]any{
							"description": "Computed input/output schemas",
							"content": map[string]any{"application/json": map[string]any{
								"schema": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"inputs":  inputsSchema,
										"outputs": outputsSchema,
									},
								},
							}},
						},
					},
				},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":    map[string]any{"type": "string"},
						"message": map[string]any{"type": "string"},
						"nodeId":  map[string]any{"type": "string"},
					},
					"required": []any{"type", "message"},
				},
				"Run": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":          map[string]any{"type": "string", "format": "uuid"},
						"flowId":      map[string]any{"type": "string"},
						"status":      map[string]any{"type": "string", "enum": []any{"pending", "running", "completed", "failed", "cancelled", "timeout", "expired"}},
						"progress":    map[string]any{"type": "integer", "minimum": float64(0), "maximum": float64(100)},
						"currentNode": map[string]any{"type": "string"},
						"createdAt":   map[string]any{"type": "string", "format": "date-time"},
						"startedAt":   map[string]any{"type": "string", "format": "date-time"},
						"completedAt": map[string]any{"type": "string", "format": "date-time"},
						"expiresAt":   map[string]any{"type": "string", "format": "date-time"},
						"inputs":      map[string]any{"type": "object"},
						"outputs":     outputsSchema,
						"error":       map[string]any{"$ref": "#/components/schemas/Error"},
						"artifacts": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"id":       map[string]any{"type": "string"},
									"name":     map[string]any{"type": "string"},
									"category": map[string]any{"type": "string"},
									"format":   map[string]any{"type": "string"},
									"size":     map[string]any{"type": "integer"},
									"data":     map[string]any{"type": "string", "format": "byte"},
									"url":      map[string]any{"type": "string"},
								},
							},
						},
					},
				},
			},
			"securitySchemes": map[string]any{
				"ApiKeyAuth":  map[string]any{"type": "apiKey", "in": "header", "name": "X-API-Key"},
				"BearerAuth":  map[string]any{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
	}
	if baseURL != "" {
		doc["servers"] = []any{map[string]any{"url": baseURL}}
	}
	return doc, nil
}
