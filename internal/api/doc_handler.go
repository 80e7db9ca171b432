package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"dpledger/internal/core"
)

type DocHandler struct {
	spec []byte
}

func NewDocHandler() *DocHandler {
	spec, _ := json.Marshal(buildOpenAPISpec())
	return &DocHandler{spec: spec}
}

func (h *DocHandler) ServeSwaggerUI(w http.ResponseWriter, r *http.Request) {
	// Simple HTML to load Swagger UI
	html := `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>dpledger API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js" crossorigin></script>
<script>
    window.onload = () => {
        window.ui = SwaggerUIBundle({
            url: '/api/docs/openapi.json',
            dom_id: '#swagger-ui',
        });
    };
</script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}

func (h *DocHandler) GetOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(h.spec)
}

var errorResponses = map[string]interface{}{
	"400": map[string]interface{}{"description": "Invalid parameters"},
	"401": map[string]interface{}{"description": "Missing or invalid X-API-Key"},
	"403": map[string]interface{}{"description": "Rejected by policy or budget exhausted"},
	"429": map[string]interface{}{"description": "Too many requests"},
	"502": map[string]interface{}{"description": "Dataset unavailable"},
	"503": map[string]interface{}{"description": "Ledger busy, retry after Retry-After seconds"},
}

func responses(ok map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"200": ok}
	for k, v := range errorResponses {
		out[k] = v
	}
	return out
}

func jsonBody(schema map[string]interface{}, example map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema":  schema,
				"example": example,
			},
		},
	}
}

// queryOperation documents POST /api/query/{qt}. Each query type accepts a
// fixed field set.
func queryOperation(qt core.QueryType) map[string]interface{} {
	properties := map[string]interface{}{
		"epsilon":     map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
		"delta":       map[string]interface{}{"type": "number", "minimum": 0, "default": 0},
		"sensitivity": map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
		"mechanism": map[string]interface{}{
			"type":    "string",
			"enum":    []string{string(core.MechanismLaplace), string(core.MechanismGaussian)},
			"default": string(core.MechanismLaplace),
		},
		"filters": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"age_min":    map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 150},
				"age_max":    map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 150},
				"gender":     map[string]interface{}{"type": "string", "enum": []string{"M", "F", "O"}},
				"zip_code":   map[string]interface{}{"type": "string", "maxLength": 10},
				"blood_type": map[string]interface{}{"type": "string", "enum": []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}},
			},
		},
	}
	required := []string{"epsilon", "sensitivity"}
	example := map[string]interface{}{"epsilon": 0.5, "sensitivity": 1.0, "filters": map[string]interface{}{"gender": "F"}}
	resultType := map[string]interface{}{"type": "number"}

	if qt.NeedsColumn() {
		properties["column"] = map[string]interface{}{"type": "string", "pattern": "^[a-z_][a-z0-9_]*$"}
		required = append(required, "column")
		example["column"] = "weight"
	}
	if qt == core.QueryHistogram {
		properties["bins"] = map[string]interface{}{"type": "integer", "minimum": 1, "maximum": core.MaxBins, "default": core.DefaultBins}
		example["bins"] = core.DefaultBins
		resultType = map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "number"}}
	}

	return map[string]interface{}{
		"summary": fmt.Sprintf("Differentially private %s", qt),
		"tags":    []string{"query"},
		"requestBody": jsonBody(map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"required":             required,
			"properties":           properties,
		}, example),
		"responses": responses(map[string]interface{}{
			"description": "Noised result; the epsilon is charged to the caller",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{
					"schema": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"noisy_result":     resultType,
							"true_result":      resultType,
							"noise_added":      resultType,
							"epsilon_used":     map[string]interface{}{"type": "number"},
							"cohort_size":      map[string]interface{}{"type": "integer"},
							"budget_remaining": map[string]interface{}{"type": "number"},
						},
					},
				},
			},
		}),
	}
}

func simple(summary, tag string) map[string]interface{} {
	return map[string]interface{}{
		"summary":   summary,
		"tags":      []string{tag},
		"responses": responses(map[string]interface{}{"description": "OK"}),
	}
}

func resetOperation(summary string, withAccount bool) map[string]interface{} {
	props := map[string]interface{}{
		"confirm": map[string]interface{}{"type": "boolean", "enum": []bool{true}},
		"reason":  map[string]interface{}{"type": "string", "maxLength": 500},
	}
	if withAccount {
		props["account_id"] = map[string]interface{}{"type": "string"}
	}
	op := simple(summary, "admin")
	op["requestBody"] = jsonBody(map[string]interface{}{
		"type": "object", "required": []string{"confirm"}, "properties": props,
	}, map[string]interface{}{"confirm": true, "reason": "new reporting period"})
	return op
}

func buildOpenAPISpec() map[string]interface{} {
	paths := make(map[string]interface{})
	for _, qt := range []core.QueryType{core.QueryCount, core.QuerySum, core.QueryMean, core.QueryMedian, core.QueryHistogram} {
		paths["/api/query/"+string(qt)] = map[string]interface{}{"post": queryOperation(qt)}
	}
	paths["/api/epsilon/status"] = map[string]interface{}{"get": simple("Privacy budget of the caller", "budget")}
	paths["/api/epsilon/reset"] = map[string]interface{}{"post": resetOperation("Reset one account's budget (admin)", true)}
	paths["/api/platform/reset"] = map[string]interface{}{"post": resetOperation("Reset every budget and clear the audit log (admin)", false)}
	paths["/api/logs/history"] = map[string]interface{}{"get": simple("Audit history, newest first", "audit")}
	paths["/api/stats/overview"] = map[string]interface{}{"get": simple("Query statistics of the caller", "audit")}
	paths["/api/policy"] = map[string]interface{}{
		"get": simple("Current privacy policy", "policy"),
		"put": simple("Store a new policy version (admin, requires expected_version)", "policy"),
	}

	return map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "dpledger API",
			"version":     "1.0.0",
			"description": "Differentially private aggregate queries with a per-account epsilon ledger.",
		},
		"paths": paths,
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"ApiKeyAuth": map[string]interface{}{
					"type": "apiKey",
					"in":   "header",
					"name": "X-API-Key",
				},
			},
		},
		"security": []map[string]interface{}{
			{
				"ApiKeyAuth": []string{},
			},
		},
	}
}
