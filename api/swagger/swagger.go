package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Elective Allocation API",
        "description": "Allocates students to elective course packages by grade average and preference order.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Allocation", "description": "Allocation runs, run reports and reconciliation"}
    ],
    "paths": {
        "/packages/{id}/allocation": {
            "post": {
                "tags": ["Allocation"],
                "summary": "Run allocation for a package",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Run summary", "schema": {"$ref": "#/definitions/RunSummaryEnvelope"}},
                    "404": {"description": "Package not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Another run for the package is in progress", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Package has no courses or no student preferences", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/packages/{id}/allocation/latest": {
            "get": {
                "tags": ["Allocation"],
                "summary": "Latest allocation summary of a package",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/RunSummaryEnvelope"}},
                    "404": {"description": "No runs", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/packages/{id}/allocation/runs": {
            "get": {
                "tags": ["Allocation"],
                "summary": "List allocation runs of a package, newest first",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/allocation/runs/{runId}": {
            "get": {
                "tags": ["Allocation"],
                "summary": "Get an allocation run report",
                "parameters": [
                    {"name": "runId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Run not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/allocation/runs/{runId}/report": {
            "get": {
                "tags": ["Allocation"],
                "summary": "Download an allocation run report",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "runId", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "required": true, "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "Report file", "schema": {"type": "file"}},
                    "400": {"description": "Invalid format", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Run not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/allocation/runs/{runId}/reconcile": {
            "post": {
                "tags": ["Allocation"],
                "summary": "Queue unresolved write failures of a run again",
                "parameters": [
                    {"name": "runId", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Queued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Run not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CourseSeats": {
            "type": "object",
            "properties": {
                "courseId": {"type": "string"},
                "name": {"type": "string"},
                "totalCapacity": {"type": "integer"},
                "remainingCapacity": {"type": "integer"},
                "unlimited": {"type": "boolean"},
                "enrolled": {"type": "array", "items": {"type": "object"}}
            }
        },
        "PersistenceFailure": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "enum": ["package", "course", "student", "history", "unallocated"]},
                "recordId": {"type": "string"},
                "studentId": {"type": "string"},
                "courseId": {"type": "string"},
                "error": {"type": "string"},
                "resolved": {"type": "boolean"},
                "resolvedAt": {"type": "string", "format": "date-time"},
                "superseded": {"type": "boolean"}
            }
        },
        "RunSummary": {
            "type": "object",
            "properties": {
                "runId": {"type": "string"},
                "packageId": {"type": "string"},
                "allocatedCount": {"type": "integer"},
                "unallocatedCount": {"type": "integer"},
                "totalCourses": {"type": "integer"},
                "courses": {"type": "array", "items": {"$ref": "#/definitions/CourseSeats"}},
                "failures": {"type": "array", "items": {"$ref": "#/definitions/PersistenceFailure"}},
                "failedStudentIds": {"type": "array", "items": {"type": "string"}},
                "staleEnrollments": {"type": "array", "items": {"type": "object"}},
                "startedAt": {"type": "string", "format": "date-time"},
                "finishedAt": {"type": "string", "format": "date-time"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        },
        "RunSummaryEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/RunSummary"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
