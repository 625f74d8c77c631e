// Package agent contains the built-in agent implementations and the shared
// base they embed. The package focuses on three concerns:
//
//  1. Base plumbing: descriptor handling, outcome classification and
//     cancellation checks (BaseAgent)
//  2. Concrete CTI stages: ThreatAnalyst, Enrichment, ReportGenerator
//  3. Operator profile injection into prompts
//
// Design principles:
//   - Agents never touch the memory store directly; reads arrive in the
//     stage context and writes travel back in the stage result
//   - Collaborator failures become retry/fatal outcomes, never panics
//   - Cancellation is polled before and after every collaborator call
//
// Custom agents embed BaseAgent, declare a Descriptor and implement Run.
package agent
