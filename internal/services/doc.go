// Package services defines shared utilities consumed by the pipeline phases
// and the external integrations they drive.
//
// Key responsibilities:
//   - The closed error taxonomy (Code) plus the Error type every phase returns,
//     so the CLI and HTTP surfaces can map failures to exit codes and status
//     codes without inspecting messages.
//   - Context helpers that stamp run identifiers, phase names, and correlation
//     identifiers for logging.
//
// Subpackages hold clients for remote services (the generation backend).
package services
