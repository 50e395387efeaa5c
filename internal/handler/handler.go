package handler

import (
	"context"
	"encoding/json"

	"github.com/z-korp/daydreams/dispatcher/internal/flow"
)

// Role identifies which variant a handler is
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
	RoleAction Role = "action"
)

// Handler is a named, role-tagged capability. The variant set is closed:
// *Input, *Output and *Action are the only implementations.
type Handler interface {
	Name() string
	Role() Role
	sealed()
}

// EmitFunc enqueues content produced by an input subscription
type EmitFunc func(item flow.ContentItem)

// SubscribeFunc starts an input feed and returns a function that stops it
type SubscribeFunc func(ctx context.Context, emit EmitFunc) (unsubscribe func(), err error)

// OutputFunc performs a side-effecting dispatch
type OutputFunc func(ctx context.Context, data json.RawMessage) error

// ActionFunc performs an action whose result may re-enter the dispatch queue
type ActionFunc func(ctx context.Context, data json.RawMessage) (*ActionResult, error)

// ActionResult is what an action hands back to the orchestrator.
// Items are pushed onto the same queue the action was dispatched from.
type ActionResult struct {
	Data  json.RawMessage    `json:"data,omitempty"`
	Items []flow.ContentItem `json:"items,omitempty"`
}

// Input subscribes to an external feed
type Input struct {
	HandlerName string
	Subscribe   SubscribeFunc
}

func (h *Input) Name() string { return h.HandlerName }
func (h *Input) Role() Role   { return RoleInput }
func (*Input) sealed()        {}

// Output dispatches data to an external sink
type Output struct {
	HandlerName string
	Execute     OutputFunc
}

func (h *Output) Name() string { return h.HandlerName }
func (h *Output) Role() Role   { return RoleOutput }
func (*Output) sealed()        {}

// Action runs an operation and returns data plus optional new content
type Action struct {
	HandlerName string
	Execute     ActionFunc
}

func (h *Action) Name() string { return h.HandlerName }
func (h *Action) Role() Role   { return RoleAction }
func (*Action) sealed()        {}
