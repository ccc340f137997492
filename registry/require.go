package registry

// resolution tracks the chain of modules being executed by one top-level
// Require call.
type resolution struct {
	stack []string
}

func (res *resolution) push(id string) { res.stack = append(res.stack, id) }

func (res *resolution) pop() { res.stack = res.stack[:len(res.stack)-1] }

func (res *resolution) current() string {
	if len(res.stack) == 0 {
		return ""
	}
	return res.stack[len(res.stack)-1]
}

// cycle renders the require chain from the first occurrence of id back to id.
func (res *resolution) cycle(id string) []string {
	start := 0
	for i, s := range res.stack {
		if s == id {
			start = i
			break
		}
	}
	path := make([]string, 0, len(res.stack)-start+1)
	path = append(path, res.stack[start:]...)
	return append(path, id)
}

// bind returns the require callback handed to factories of this resolution.
func (res *resolution) bind(r *Registry) Require {
	return func(id string) (any, error) {
		return r.resolve(res, id)
	}
}

// Require returns the instance for id, executing its factory on first use.
// It never suspends. Unregistered ids fail with UnknownModuleError, a
// re-entered id with CircularDependencyError, and factory failures with
// ModuleExecutionError.
//
// Called from the goroutine already executing a factory (a host function
// reached from a factory, for instance), it joins that resolution instead
// of waiting on it.
func (r *Registry) Require(id string) (any, error) {
	if instance, ok := r.Lookup(id); ok {
		return instance, nil
	}

	gid := goroutineID()
	if gid > 0 && r.holder.Load() == gid {
		return r.resolve(r.active, id)
	}

	r.exec.Lock()
	res := &resolution{}
	r.active = res
	r.holder.Store(gid)
	defer func() {
		r.holder.Store(0)
		r.active = nil
		r.exec.Unlock()
	}()

	return r.resolve(res, id)
}
