// Package docs registers the OpenAPI document served by Swagger UI.
// Regenerate after changing handler annotations:
//
//	swag init -g cmd/settlement/main.go -o docs
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
        "/accounts/{account_id}/balance": {
            "get": {
                "description": "Sum of completed credits minus sum of completed debits.",
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Accounts"
                ],
                "summary": "Get an account balance",
                "operationId": "getBalance",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Account ID",
                        "name": "account_id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handlers.BalanceResponse"
                        }
                    },
                    "404": {
                        "description": "Account not found",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "500": {
                        "description": "Internal error",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/accounts/{account_id}/transactions": {
            "get": {
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Accounts"
                ],
                "summary": "List an account's transactions (paginated)",
                "operationId": "listAccountTransactions",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Account ID",
                        "name": "account_id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "minimum": 1,
                        "type": "integer",
                        "default": 1,
                        "description": "Page number",
                        "name": "page",
                        "in": "query"
                    },
                    {
                        "maximum": 100,
                        "minimum": 1,
                        "type": "integer",
                        "default": 20,
                        "description": "Items per page",
                        "name": "page_size",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handlers.ListTransactionsResponse"
                        }
                    },
                    "404": {
                        "description": "Account not found",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "500": {
                        "description": "Internal error",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/admin/dead-letters": {
            "get": {
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Admin"
                ],
                "summary": "List dead-lettered dispatch messages",
                "operationId": "listDeadLetters",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handlers.ListDeadLettersResponse"
                        }
                    },
                    "500": {
                        "description": "Internal error",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/admin/queue": {
            "get": {
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Admin"
                ],
                "summary": "Dispatch queue depth per lane",
                "operationId": "queueStats",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handlers.QueueStatsResponse"
                        }
                    },
                    "500": {
                        "description": "Internal error",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/admin/transactions/{id}/dispatch": {
            "post": {
                "description": "Used after intake answered 503 or to recover a record whose dispatch message was lost.",
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Admin"
                ],
                "summary": "Re-enqueue a pending transaction",
                "operationId": "redispatchTransaction",
                "parameters": [
                    {
                        "type": "integer",
                        "minimum": 1,
                        "description": "Transaction ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "202": {
                        "description": "Queued",
                        "schema": {
                            "$ref": "#/definitions/handlers.TransactionResponse"
                        }
                    },
                    "400": {
                        "description": "Bad id",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "409": {
                        "description": "Not pending",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "503": {
                        "description": "Queue unavailable",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/transactions": {
            "post": {
                "description": "Creates a pending transaction and queues it for settlement. Repeating an external_id returns the stored record with 200 and queues nothing.",
                "consumes": [
                    "application/json"
                ],
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Transactions"
                ],
                "summary": "Submit a transaction",
                "operationId": "createTransaction",
                "parameters": [
                    {
                        "description": "Transaction payload",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/handlers.CreateTransactionRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Existing record for external_id",
                        "schema": {
                            "$ref": "#/definitions/handlers.TransactionResponse"
                        }
                    },
                    "201": {
                        "description": "Created",
                        "schema": {
                            "$ref": "#/definitions/handlers.TransactionResponse"
                        },
                        "headers": {
                            "Location": {
                                "type": "string",
                                "description": "URL of the new transaction"
                            }
                        }
                    },
                    "400": {
                        "description": "Malformed body or invalid amount",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "422": {
                        "description": "Schema violation",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "500": {
                        "description": "Internal error",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "503": {
                        "description": "Stored but not queued",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        },
        "/transactions/{id}": {
            "get": {
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "Transactions"
                ],
                "summary": "Get a transaction",
                "operationId": "getTransaction",
                "parameters": [
                    {
                        "type": "integer",
                        "minimum": 1,
                        "description": "Transaction ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handlers.TransactionResponse"
                        }
                    },
                    "400": {
                        "description": "Bad id",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    },
                    "500": {
                        "description": "Internal error",
                        "schema": {
                            "$ref": "#/definitions/handlers.ErrorResponse"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "handlers.BalanceResponse": {
            "type": "object",
            "properties": {
                "account_id": {
                    "type": "string",
                    "example": "acc-42"
                },
                "balance": {
                    "type": "string",
                    "example": "75"
                }
            }
        },
        "handlers.CreateTransactionRequest": {
            "type": "object",
            "required": [
                "account_id",
                "amount",
                "external_id",
                "kind"
            ],
            "properties": {
                "account_id": {
                    "type": "string",
                    "maxLength": 128,
                    "example": "acc-42"
                },
                "amount": {
                    "type": "string",
                    "example": "100.00"
                },
                "external_id": {
                    "type": "string",
                    "example": "9b2f3c1e-4d5a-4b6c-8d7e-0f1a2b3c4d5e"
                },
                "kind": {
                    "type": "string",
                    "example": "CREDIT"
                }
            }
        },
        "handlers.DeadLetterResponse": {
            "type": "object",
            "properties": {
                "dead_lettered_at": {
                    "type": "string"
                },
                "reason": {
                    "type": "string"
                },
                "record_id": {
                    "type": "integer"
                },
                "retry_count": {
                    "type": "integer"
                },
                "seq": {
                    "type": "integer"
                }
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "string",
                    "description": "Stable, machine-readable code (see errors.go constants)",
                    "example": "not_found"
                },
                "message": {
                    "type": "string",
                    "description": "Human-readable message",
                    "example": "transaction not found"
                },
                "request_id": {
                    "type": "string",
                    "description": "Correlates server logs and client errors",
                    "example": "123e4567-e89b-12d3-a456-426614174000"
                }
            }
        },
        "handlers.ListDeadLettersResponse": {
            "type": "object",
            "properties": {
                "dead_letters": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/handlers.DeadLetterResponse"
                    }
                },
                "total": {
                    "type": "integer"
                }
            }
        },
        "handlers.ListTransactionsResponse": {
            "type": "object",
            "properties": {
                "account_id": {
                    "type": "string"
                },
                "pagination": {
                    "$ref": "#/definitions/handlers.Pagination"
                },
                "transactions": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/handlers.TransactionResponse"
                    }
                }
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "has_next": {
                    "type": "boolean"
                },
                "page": {
                    "type": "integer"
                },
                "page_size": {
                    "type": "integer"
                },
                "total": {
                    "type": "integer"
                },
                "total_pages": {
                    "type": "integer"
                }
            }
        },
        "handlers.QueueStatsResponse": {
            "type": "object",
            "properties": {
                "lanes": {
                    "type": "object",
                    "additionalProperties": {
                        "type": "integer"
                    }
                }
            }
        },
        "handlers.TransactionResponse": {
            "type": "object",
            "properties": {
                "account_id": {
                    "type": "string",
                    "example": "acc-42"
                },
                "amount": {
                    "type": "string",
                    "example": "100.00"
                },
                "attempts": {
                    "type": "integer",
                    "example": 0
                },
                "created_at": {
                    "type": "string"
                },
                "external_id": {
                    "type": "string",
                    "example": "9b2f3c1e-4d5a-4b6c-8d7e-0f1a2b3c4d5e"
                },
                "id": {
                    "type": "integer",
                    "example": 1
                },
                "kind": {
                    "type": "string",
                    "example": "CREDIT"
                },
                "last_error": {
                    "type": "string"
                },
                "partner_reference": {
                    "type": "string",
                    "example": "P1"
                },
                "status": {
                    "type": "string",
                    "example": "pending"
                },
                "updated_at": {
                    "type": "string"
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Settlement API",
	Description:      "Idempotent transaction intake, asynchronous settlement and account balances.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
