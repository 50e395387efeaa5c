// Package flow holds the data model shared by the dispatcher: content items,
// processor decisions, task requests, and the FlowHooks and Processor
// contracts supplied by collaborators outside the core.
package flow
