// Package docs registers the srd OpenAPI document with swag. Regenerate with
// `swag init -g cmd/srd/docs.go -o docs` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "srd maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/upscale": {
            "post": {
                "description": "Decodes a PNG, JPEG, WebP, BMP or TIFF body, upscales it on the best available accelerator and returns a PNG.",
                "consumes": ["image/png", "image/jpeg"],
                "produces": ["image/png"],
                "tags": ["upscale"],
                "summary": "Upscale an image",
                "parameters": [
                    {"type": "string", "description": "Force a backend (cpu, gpu, npu)", "name": "backend", "in": "query"},
                    {"type": "boolean", "description": "Force tiled processing", "name": "tiling", "in": "query"}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "file"},
                        "headers": {
                            "X-Backend": {"type": "string", "description": "Backend that produced the image"},
                            "X-Elapsed-Ms": {"type": "integer", "description": "Processing time"},
                            "X-Strategy": {"type": "string", "description": "Processing strategy"}
                        }
                    },
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/plan": {
            "get": {
                "description": "Reports the strategy, tiles and estimated time for an image without running inference.",
                "produces": ["application/json"],
                "tags": ["upscale"],
                "summary": "Plan processing of an image size",
                "parameters": [
                    {"type": "integer", "description": "Image width", "name": "width", "in": "query", "required": true},
                    {"type": "integer", "description": "Image height", "name": "height", "in": "query", "required": true},
                    {"type": "string", "description": "Force a backend (cpu, gpu, npu)", "name": "backend", "in": "query"},
                    {"type": "boolean", "description": "Force tiled processing", "name": "tiling", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.PlanResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/switch": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["backends"],
                "summary": "Switch the active backend",
                "parameters": [
                    {"description": "Backend to activate", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.SwitchRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.SwitchResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/backends": {
            "get": {
                "produces": ["application/json"],
                "tags": ["backends"],
                "summary": "List backends",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.BackendsResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Engine status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "unsupported image format"}
            }
        },
        "types.SwitchRequest": {
            "type": "object",
            "properties": {
                "backend": {"type": "string", "example": "gpu"}
            }
        },
        "types.SwitchResponse": {
            "type": "object",
            "properties": {
                "active": {"type": "string", "example": "gpu"},
                "switched": {"type": "boolean", "example": true}
            }
        },
        "types.BackendStatus": {
            "type": "object",
            "properties": {
                "active": {"type": "boolean", "example": true},
                "batch_size": {"type": "integer", "example": 1},
                "dtype": {"type": "string", "example": "float32"},
                "input_shape": {"type": "array", "items": {"type": "integer"}},
                "kind": {"type": "string", "example": "gpu"},
                "last_used_unix": {"type": "integer", "example": 1700000000},
                "output_shape": {"type": "array", "items": {"type": "integer"}},
                "reason": {"type": "string"},
                "state": {"type": "string", "example": "ready"}
            }
        },
        "types.BackendsResponse": {
            "type": "object",
            "properties": {
                "active": {"type": "string", "example": "cpu"},
                "available": {"type": "array", "items": {"type": "string"}, "example": ["cpu", "gpu"]},
                "backends": {"type": "array", "items": {"$ref": "#/definitions/types.BackendStatus"}}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "active": {"type": "string", "example": "cpu"},
                "available_memory_mb": {"type": "integer", "example": 4096},
                "backends": {"type": "array", "items": {"$ref": "#/definitions/types.BackendStatus"}},
                "buffer_reallocations": {"type": "integer", "example": 1},
                "init_state": {"type": "string", "example": "fully_ready"},
                "last_error": {"type": "string"},
                "ready_count": {"type": "integer", "example": 2},
                "server_time_unix": {"type": "integer", "example": 1700000000},
                "uptime_seconds": {"type": "integer", "example": 3600}
            }
        },
        "types.PlanResponse": {
            "type": "object",
            "properties": {
                "available_memory_mb": {"type": "integer", "example": 4096},
                "backend": {"type": "string", "example": "cpu"},
                "description": {"type": "string", "example": "CPU Parallel Tiling"},
                "estimated_time_ms": {"type": "integer", "example": 11025},
                "output_height": {"type": "integer", "example": 12000},
                "output_width": {"type": "integer", "example": 16000},
                "overlap": {"type": "integer", "example": 32},
                "reason": {"type": "string", "example": "Insufficient memory (250MB < 300MB required)"},
                "strategy": {"type": "string", "example": "cpu_parallel"},
                "tile_cols": {"type": "integer", "example": 18},
                "tile_rows": {"type": "integer", "example": 14},
                "tile_size": {"type": "integer", "example": 256},
                "tiles": {"type": "integer", "example": 252},
                "tiling_required": {"type": "boolean", "example": true}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "srd API",
	Description:      "HTTP API for multi-accelerator image super-resolution.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
