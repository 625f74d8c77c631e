// Package core defines the shared contracts of the threatmesh framework:
// the Task lifecycle types, the Agent contract, the MemoryStore retrieval
// contract and the collaborator interfaces (CTI platform, LLM, embedding
// provider) consumed by the orchestrator and the built-in agents.
//
// The package holds interfaces and plain data types only; concrete
// implementations live in the memory, orchestrator, agent, model and cti
// packages. Downstream code should accept these interfaces and return
// concrete structs.
package core
