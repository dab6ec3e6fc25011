// Package docs holds the swagger spec for the broker's one REST surface.
// Hand-maintained in the shape swag generate would produce, since the
// broker's route table is small enough not to warrant the generator step.
package docs

import (
	"github.com/swaggo/swag"
)

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "description": "Returns process health, build information and the current active-session count",
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Health check",
                "responses": {
                    "200": {
                        "description": "Health status",
                        "schema": {
                            "$ref": "#/definitions/HealthResponse"
                        }
                    }
                }
            }
        },
        "/terminal/ws": {
            "get": {
                "description": "Upgrades to a WebSocket and streams an interactive shell, per the auth-frame protocol",
                "tags": ["terminal"],
                "summary": "Open a terminal session",
                "responses": {
                    "101": {
                        "description": "Switching Protocols"
                    }
                }
            }
        }
    },
    "definitions": {
        "HealthResponse": {
            "type": "object",
            "properties": {
                "activeSessions": { "type": "integer" },
                "arch": { "type": "string" },
                "buildTime": { "type": "string" },
                "gitCommit": { "type": "string" },
                "goVersion": { "type": "string" },
                "os": { "type": "string" },
                "startedAt": { "type": "string" },
                "status": { "type": "string" },
                "uptime": { "type": "string" },
                "uptimeSeconds": { "type": "number" },
                "version": { "type": "string" }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Ably CLI Terminal Broker",
	Description:      "WebSocket broker that streams an interactive shell per session, with resumable sessions.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
