package rocket

// presenceTracker derives online/offline status from the observed
// "users" collection: the server adds a record while a user is online
// and removes it when they go away. Field changes carry no presence
// information and are ignored.
type presenceTracker struct {
	state *State
}

func (p *presenceTracker) OnAdded(id string, fields map[string]interface{}) {
	username, _ := fields["username"].(string)
	p.state.SetOnline(id, username, true)
}

func (p *presenceTracker) OnChanged(id string, fields map[string]interface{}) {
}

func (p *presenceTracker) OnRemoved(id string) {
	p.state.SetOnline(id, "", false)
}
