package conversation

// Deletion is the two-phase delete state: either none, or one conversation
// awaiting confirmation. The zero value is none.
type Deletion struct {
	id      string
	pending bool
}

func pendingDeletion(id string) Deletion {
	return Deletion{id: id, pending: true}
}

// Pending returns the conversation awaiting confirmation.
func (d Deletion) Pending() (string, bool) {
	return d.id, d.pending
}
