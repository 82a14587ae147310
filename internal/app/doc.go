// Package app provides the Application Composition Layer for the e-file service.
//
// # Architecture Role
//
// The app package sits above the MeF transport, the schema validator and
// storage, and composes them into a running application. It is NOT a business
// logic layer: filing rules live in internal/app/services/efile and
// internal/schema.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/efile/       # Transmission records and the status machine
//	├── storage/            # Store interfaces
//	│   ├── memory/         # In-memory implementation for tests and local runs
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/efile/     # Orchestrator, reconciler and poller
//	├── httpapi/            # HTTP handlers and routing
//	├── system/             # Service lifecycle manager
//	├── metrics/            # Prometheus collectors
//	└── runtime/            # Config-driven assembly and the HTTP server
//
// # Dependency Direction
//
//	cmd/efiled/
//	      │
//	      ▼
//	internal/app/runtime ──► internal/app/httpapi
//	      │                        │
//	      ▼                        ▼
//	internal/app (composition) ◄───┘
//	      │
//	      ├──► internal/app/services/efile ──► internal/mef, internal/schema
//	      │
//	      └──► internal/app/storage ──► internal/platform/migrations
//
// Stores left nil in Stores fall back to the in-memory implementation, so
// tests can build a complete Application with app.New(app.Stores{}, app.Settings{}, nil).
package app
