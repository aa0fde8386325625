// Package docs holds the Swagger spec served at /swagger.
package docs

import "github.com/swaggo/swag"

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
        "/wallets/{entityType}/{entityId}/{currency}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["wallets"],
                "summary": "Get wallet balance",
                "parameters": [
                    {"type": "string", "name": "entityType", "in": "path", "required": true},
                    {"type": "string", "name": "entityId", "in": "path", "required": true},
                    {"type": "string", "name": "currency", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "Forbidden"}
                }
            }
        },
        "/wallets/{entityType}/{entityId}/ledger": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["wallets"],
                "summary": "List ledger entries, newest first",
                "parameters": [
                    {"type": "string", "name": "entityType", "in": "path", "required": true},
                    {"type": "string", "name": "entityId", "in": "path", "required": true},
                    {"type": "string", "name": "from", "in": "query"},
                    {"type": "string", "name": "to", "in": "query"},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "pageSize", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "400": {"description": "Bad Request"}
                }
            }
        },
        "/payouts": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["payouts"],
                "summary": "Request a payout and lock the funds",
                "responses": {
                    "201": {"description": "Created"},
                    "400": {"description": "Bad Request"},
                    "422": {"description": "Insufficient funds"}
                }
            },
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["payouts"],
                "summary": "List payouts",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/payouts/{payoutId}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["payouts"],
                "summary": "Get a payout",
                "parameters": [{"type": "integer", "name": "payoutId", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"}
                }
            }
        },
        "/payouts/{payoutId}/approve": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["payouts"],
                "summary": "Approve a pending payout and hand it to the rail",
                "parameters": [{"type": "integer", "name": "payoutId", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Conflict"}
                }
            }
        },
        "/payouts/{payoutId}/reject": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["payouts"],
                "summary": "Reject a payout and release the locked funds",
                "parameters": [{"type": "integer", "name": "payoutId", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Conflict"}
                }
            }
        },
        "/invoices/{invoiceId}/pay": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["invoices"],
                "summary": "Pay a SaaS invoice from the tenant wallet",
                "parameters": [{"type": "string", "name": "invoiceId", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not Found"},
                    "422": {"description": "Insufficient funds"}
                }
            }
        },
        "/royalties/distributions": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["royalties"],
                "summary": "Credit a royalty net of commission",
                "responses": {
                    "200": {"description": "Already applied"},
                    "201": {"description": "Created"}
                }
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Tunewave Wallet API",
	Description:      "Wallet ledger and settlement engine for labels, enterprises and artists",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
