package script

import "fmt"

// CheckScriptForErrors performs the static validation of spec.md §4.3:
// target existence, nonnegative waits, and absence of cycles in the
// transitive RunScript graph rooted at name. Returns a list of
// human-readable error strings; an empty slice means the script is
// valid.
func (m *ScriptManager) CheckScriptForErrors(name string) []string {
	m.mu.Lock()
	scripts := make(map[string]*Script, len(m.scripts))
	for k, v := range m.scripts {
		scripts[k] = v
	}
	m.mu.Unlock()

	root, ok := scripts[name]
	if !ok {
		return []string{fmt.Sprintf("no such script %q", name)}
	}

	var errs []string
	visited := map[string]bool{}
	onStack := map[string]bool{}

	var walk func(s *Script)
	walk = func(s *Script) {
		if onStack[s.Name] {
			errs = append(errs, fmt.Sprintf("infinite loop: script %q is reachable from itself via run_script", s.Name))
			return
		}
		if visited[s.Name] {
			return
		}
		visited[s.Name] = true
		onStack[s.Name] = true
		defer delete(onStack, s.Name)

		for _, a := range s.Actions {
			switch a.Kind {
			case ActionWaitMs:
				if a.DelayMs < 0 {
					errs = append(errs, fmt.Sprintf("script %q: negative wait_ms %d", s.Name, a.DelayMs))
				}
			case ActionStartStopRestart:
				if !m.targetExists(a.Target) {
					errs = append(errs, fmt.Sprintf("script %q: %s does not exist", s.Name, describeTarget(a.Target)))
				}
			case ActionWaitStatus:
				if !m.targetExists(a.Target) {
					errs = append(errs, fmt.Sprintf("script %q: %s does not exist", s.Name, describeTarget(a.Target)))
				}
			case ActionRunScript:
				sub, ok := scripts[a.ScriptName]
				if !ok {
					errs = append(errs, fmt.Sprintf("script %q: no such script %q", s.Name, a.ScriptName))
					continue
				}
				walk(sub)
			}
		}
	}
	walk(root)
	return errs
}
