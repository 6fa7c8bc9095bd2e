package mnrt

// Resumption is a value raised via RaiseResumption rather than panic/defer.
// Unlike a normal exception, raising one that finds a handler does not
// unwind the stack — the handler runs and raise returns normally to its
// caller.
type Resumption interface {
	// DefaultResume is invoked when no handler on the raising coroutine's
	// stack matches. The default implementation here converts the
	// resumption into an ordinary panic, which the coroutine's main
	// wrapping catches and forwards along the resume chain as an
	// UnhandledCoroutineError: an unhandled resumption becomes a
	// termination.
	DefaultResume()
}

// BaseResumption is an embeddable default DefaultResume implementation;
// concrete resumption types can embed it and override only what they need.
type BaseResumption struct{}

func (BaseResumption) DefaultResume() { panic(unhandledResumption{}) }

type unhandledResumption struct{}

// resumptionHandler is a pointer-stable stack node with a lexical-parent
// link (the enclosing PushHandler scope) and a visual-parent link (the
// dynamic search chain), the latter pruned while the handler itself runs
// to prevent recursive handling: a coroutine's resumption-handler visual
// stack is always a prefix of its lexical stack.
type resumptionHandler struct {
	lexicalParent *resumptionHandler
	visualParent  *resumptionHandler
	matches       func(Resumption) bool
	action        func(Resumption)
}

// PushHandler installs a resumption handler on self for the duration of
// the calling function, matched by predicate and run by action. It returns
// a pop function that must be deferred by the caller:
//
//	defer self.PushHandler(func(r mnrt.Resumption) bool { ... }, func(r mnrt.Resumption) { ... })()
func (c *Coroutine) PushHandler(matches func(Resumption) bool, action func(Resumption)) func() {
	c.handlerMu.Lock()
	node := &resumptionHandler{
		lexicalParent: c.lexicalTop,
		visualParent:  c.visualTop,
		matches:       matches,
		action:        action,
	}
	c.lexicalTop = node
	c.visualTop = node
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		if c.lexicalTop == node {
			c.lexicalTop = node.lexicalParent
		}
		if c.visualTop == node {
			c.visualTop = node.visualParent
		}
	}
}

// RaiseResumption searches self's visual handler stack top-down for the
// first match, invokes it with the visual top pruned to that node's
// predecessor (preventing the handler from recursively matching itself or
// any handler installed above it), and returns normally. If nothing
// matches, DefaultResume is invoked.
func (c *Coroutine) RaiseResumption(r Resumption) {
	c.handlerMu.Lock()
	node := c.visualTop
	for node != nil && !node.matches(r) {
		node = node.visualParent
	}
	if node == nil {
		c.handlerMu.Unlock()
		r.DefaultResume()
		return
	}

	saved := c.visualTop
	c.visualTop = node.visualParent
	c.handlerMu.Unlock()

	defer func() {
		c.handlerMu.Lock()
		c.visualTop = saved
		c.handlerMu.Unlock()
	}()

	node.action(r)
}
