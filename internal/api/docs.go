package api

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/config"
)

const (
	openAPIPath = "/openapi.json"

	swaggerUIPage = `<!DOCTYPE html>
<html>
<head>
<title>%[1]s - Swagger UI</title>
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>SwaggerUIBundle({url: "%[2]s", dom_id: "#swagger-ui"});</script>
</body>
</html>`

	redocPage = `<!DOCTYPE html>
<html>
<head>
<title>%[1]s - ReDoc</title>
<meta charset="utf-8"/>
</head>
<body>
<redoc spec-url="%[2]s"></redoc>
<script src="https://cdn.jsdelivr.net/npm/redoc@2/bundles/redoc.standalone.js"></script>
</body>
</html>`
)

func (a *App) registerDocs() {
	doc, err := json.Marshal(a.openAPIDocument())
	if err != nil {
		panic(fmt.Sprintf("encode OpenAPI document: %v", err))
	}

	a.router.GET(openAPIPath, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		ctx.SetBody(doc)
	})
	a.router.GET("/docs", htmlPage(fmt.Sprintf(swaggerUIPage, config.AppName, openAPIPath)))
	a.router.GET("/redoc", htmlPage(fmt.Sprintf(redocPage, config.AppName, openAPIPath)))
}

func htmlPage(body string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/html; charset=utf-8")
		ctx.SetBodyString(body)
	}
}

type object = map[string]interface{}

func ref(name string) object {
	return object{"$ref": "#/components/schemas/" + name}
}

func jsonBody(schema object) object {
	return object{"content": object{"application/json": object{"schema": schema}}}
}

func operation(summary string, secured bool, responses object) object {
	op := object{"summary": summary, "responses": responses}
	if secured {
		op["security"] = []object{{"bearerAuth": []string{}}}
	}
	return op
}

// openAPIDocument describes the routes registered by registerRoutes.
func (a *App) openAPIDocument() object {
	idParam := []object{{
		"name": "id", "in": "path", "required": true,
		"schema": object{"type": "integer", "format": "int64"},
	}}
	errResp := func(desc string) object {
		return object{"description": desc, "content": object{"application/json": object{"schema": ref("ErrorResponse")}}}
	}
	userResp := func(desc string) object {
		r := jsonBody(ref("UserPublic"))
		r["description"] = desc
		return r
	}

	return object{
		"openapi": "3.0.3",
		"info":    object{"title": config.AppName, "version": a.version},
		"paths": object{
			"/health": object{"get": operation("Service health", false, object{
				"200": object{"description": "Healthy"},
				"503": errResp("Database unavailable"),
			})},
			"/version": object{"get": operation("Build version", false, object{
				"200": object{"description": "Version"},
			})},
			"/v1/auth/login": object{"post": merge(operation("Issue an access token", false, object{
				"200": jsonBody(ref("Token")),
				"401": errResp("Invalid credentials"),
				"429": errResp("Rate limited"),
			}), object{"requestBody": jsonBody(ref("LoginRequest"))})},
			"/v1/users": object{
				"post": merge(operation("Create a user", false, object{
					"201": userResp("Created"),
					"409": errResp("Username taken"),
					"422": errResp("Validation failed"),
				}), object{"requestBody": jsonBody(ref("UserCreate"))}),
				"get": merge(operation("List active users", true, object{
					"200": jsonBody(ref("UserList")),
				}), object{"parameters": []object{
					{"name": "page", "in": "query", "schema": object{"type": "integer", "minimum": 1}},
					{"name": "perPage", "in": "query", "schema": object{"type": "integer", "minimum": 1, "maximum": 500}},
				}}),
			},
			"/v1/users/{id}": object{
				"get":    merge(operation("Get a user", true, object{"200": userResp("User"), "404": errResp("Not found")}), object{"parameters": idParam}),
				"put":    merge(operation("Update a user", true, object{"200": userResp("Updated"), "404": errResp("Not found"), "409": errResp("Username taken")}), object{"parameters": idParam, "requestBody": jsonBody(ref("UserUpdate"))}),
				"delete": merge(operation("Soft-delete a user", true, object{"204": object{"description": "Deleted"}, "404": errResp("Not found")}), object{"parameters": idParam}),
			},
			"/v1/me": object{"get": operation("Current user", true, object{"200": userResp("User")})},
			"/v1/me/password": object{"post": merge(operation("Change own password", true, object{
				"204": object{"description": "Changed"},
				"422": errResp("Validation failed"),
			}), object{"requestBody": jsonBody(ref("UpdatePassword"))})},
		},
		"components": object{
			"securitySchemes": object{"bearerAuth": object{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"}},
			"schemas": object{
				"ErrorResponse": object{"type": "object", "properties": object{"error": object{
					"type": "object",
					"properties": object{
						"code":    object{"type": "string"},
						"message": object{"type": "string"},
						"details": object{"type": "object"},
					},
				}}},
				"LoginRequest": properties([]string{"username", "password"}, object{
					"username": str(), "password": str(),
				}),
				"Token": properties(nil, object{"access_token": str(), "token_type": str()}),
				"UserCreate": properties([]string{"username", "password"}, object{
					"username": str(), "full_name": str(), "password": str(),
					"require_password_change": object{"type": "boolean", "default": true},
				}),
				"UserUpdate": properties(nil, object{
					"username": str(), "full_name": str(), "password": str(),
					"require_password_change": object{"type": "boolean"},
				}),
				"UpdatePassword": properties([]string{"current_password", "new_password"}, object{
					"current_password": str(), "new_password": str(),
				}),
				"UserPublic": properties(nil, object{
					"id": object{"type": "integer"}, "username": str(), "full_name": str(),
					"require_password_change": object{"type": "boolean"},
					"created_at": object{"type": "string", "format": "date-time"},
					"updated_at": object{"type": "string", "format": "date-time"},
				}),
				"UserList": properties(nil, object{
					"items": object{"type": "array", "items": ref("UserPublic")},
					"total": object{"type": "integer"}, "page": object{"type": "integer"}, "perPage": object{"type": "integer"},
				}),
			},
		},
	}
}

func str() object { return object{"type": "string"} }

func properties(required []string, props object) object {
	o := object{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

func merge(dst, src object) object {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
