// Package domain defines the core types and collaborator interfaces for the
// analyst pipeline.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Other packages (storage, governance, engine, policy, tools)
// implement or consume the interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// External collaborators (reasoning, extraction, persistent memory, market/news/policy
// providers) are expressed as narrow interfaces so the orchestration core can be
// exercised in isolation.
package domain
