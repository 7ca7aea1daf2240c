package docset

import "fmt"

// Message is the unit exchanged between peers: one automerge sync message for
// one document.
type Message struct {
	DocID   string `json:"docId"`
	Payload []byte `json:"payload"`
}

// Validate reports whether the message can be applied.
func (m Message) Validate() error {
	if m.DocID == "" {
		return fmt.Errorf("message missing docId")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("message for %q has empty payload", m.DocID)
	}
	return nil
}
