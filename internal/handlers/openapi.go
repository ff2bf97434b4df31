package handlers

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/labstack/echo/v4"
)

//go:embed api/openapi.json
var openAPIDocument []byte

// LoadOpenAPI parses and validates the embedded admin API document
func LoadOpenAPI(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}
	return doc, nil
}

// OpenAPIHandler serves the admin API document
type OpenAPIHandler struct {
	doc *openapi3.T
}

// NewOpenAPIHandler creates a handler serving doc
func NewOpenAPIHandler(doc *openapi3.T) *OpenAPIHandler {
	return &OpenAPIHandler{doc: doc}
}

// GetDocument handles GET /openapi.json
func (h *OpenAPIHandler) GetDocument(c echo.Context) error {
	return c.JSON(http.StatusOK, h.doc)
}

// openAPIPath converts an echo route path such as /api/v1/jobs/:id to /api/v1/jobs/{id}
func openAPIPath(echoPath string) string {
	out := make([]byte, 0, len(echoPath)+2)
	for i := 0; i < len(echoPath); i++ {
		if echoPath[i] != ':' {
			out = append(out, echoPath[i])
			continue
		}
		j := i + 1
		for j < len(echoPath) && echoPath[j] != '/' {
			j++
		}
		out = append(out, '{')
		out = append(out, echoPath[i+1:j]...)
		out = append(out, '}')
		i = j - 1
	}
	return string(out)
}

// UndocumentedRoutes returns the registered routes the document does not describe
func UndocumentedRoutes(e *echo.Echo, doc *openapi3.T) []string {
	var missing []string
	for _, r := range e.Routes() {
		item := doc.Paths.Value(openAPIPath(r.Path))
		if item == nil || item.GetOperation(r.Method) == nil {
			missing = append(missing, r.Method+" "+r.Path)
		}
	}
	return missing
}
