package workspace

// Config is the authoritative map of workspace entries, keyed by
// workspace id. It is loaded and mutated only through the config store's
// transactional edit.
type Config struct {
	Workspaces map[string]*Workspace `json:"workspaces"`
}

// NewConfig returns an empty config.
func NewConfig() *Config {
	return &Config{Workspaces: make(map[string]*Workspace)}
}

// Workspace looks up an entry by id.
func (c *Config) Workspace(id string) (*Workspace, bool) {
	if c == nil || c.Workspaces == nil {
		return nil, false
	}
	ws, ok := c.Workspaces[id]
	return ws, ok
}

// Put inserts or replaces an entry.
func (c *Config) Put(ws *Workspace) {
	if c.Workspaces == nil {
		c.Workspaces = make(map[string]*Workspace)
	}
	c.Workspaces[ws.ID] = ws
}

// Delete removes an entry if present.
func (c *Config) Delete(id string) {
	delete(c.Workspaces, id)
}

// Clone returns a deep copy, used by the store to diff transactional
// edits against the loaded snapshot.
func (c *Config) Clone() *Config {
	out := NewConfig()
	if c == nil {
		return out
	}
	for id, ws := range c.Workspaces {
		out.Workspaces[id] = ws.Clone()
	}
	return out
}
