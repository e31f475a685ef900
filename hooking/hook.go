// Package hooking provides the observation-point mechanism that lets
// tracers and loggers attach to the device without coupling to it.
package hooking

// A HookPos names an observation point, such as a batch being handed to
// hardware or a request being drained from the device queue. Positions are
// compared by identity, so each one is a package-level singleton.
type HookPos struct {
	Name string
}

// HookCtx describes one observed event: the object it happened on, the
// position it fired at, and the item involved (a command buffer, a
// request, a fault record).
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable is an object that observers can attach to.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)
}

// A Hook receives events from the Hookables it is attached to. Func runs
// on the firing goroutine, usually the device thread, so it must be quick
// and must not call back into the device.
type Hook interface {
	Func(ctx HookCtx)
}

// HookableBase gives a type the Hookable plumbing by embedding.
type HookableBase struct {
	Hooks []Hook
}

// NewHookableBase creates a HookableBase object.
func NewHookableBase() *HookableBase {
	h := new(HookableBase)
	h.Hooks = make([]Hook, 0)
	return h
}

// AcceptHook registers a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// NumHooks returns the number of hooks registered. Firing sites check it
// before building a HookCtx so the unobserved path stays allocation free.
func (h *HookableBase) NumHooks() int {
	return len(h.Hooks)
}

// InvokeHook delivers ctx to every registered hook in attach order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}
