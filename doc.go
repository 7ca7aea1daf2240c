// Package peersync binds a set of automerge documents to a peer transport.
//
// An Engine keeps one sync session per remote peer. Each session pairs a
// transport connection with a docset.Connection: inbound messages are decoded
// and applied to the local documents, and every local change is offered to
// every connected peer.
//
//	eng, err := peersync.New(peer)
//	if err != nil { /* handle */ }
//	defer eng.Close()
//
//	if _, err := eng.Connect(ctx, "bob"); err != nil { /* handle */ }
//
//	unsubscribe := eng.SubscribeDoc("notes", func(doc *automerge.Doc) {
//		// doc is a private fork
//	})
//	defer unsubscribe()
//
//	err = eng.Select("notes")(peersync.Change("add title", func(doc *automerge.Doc) error {
//		return doc.RootMap().Set("title", "hello")
//	}))
//
// All document and sync state work runs on a single engine goroutine.
// Subscribers are called on a separate goroutine, in change order, and may call
// back into the Engine.
package peersync
