// Package domain defines the core business types for the zerochurn
// customer health engine.
//
// Types in this package are pure value objects with no behavior beyond
// validation and ordering helpers. They are the shared language between
// workers, services, repositories, and handlers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Pure methods (validation, ordering) are allowed
//   - Constants and enums belong here
package domain
