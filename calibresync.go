// Package calibresync implements the wireless book-transfer engine of
// the CrossPoint reader firmware: it emulates calibre's "smart device"
// network protocol so the desktop application can discover the reader
// on the local network, open a control channel, and stream a book file
// to it.
//
// The engine is organized the way the protocol behaves on the wire:
//
//   - [discovery]: UDP broadcast handshake (plus an mDNS side channel)
//     locating calibre's TCP server.
//   - [protocol]: length-prefixed envelope framing, the command codec,
//     and targeted payload field scanning.
//   - [sink]: batched buffered writes finalizing the incoming book.
//   - [storage], [display]: collaborator interfaces for the
//     filesystem and the status surface.
//
// This package ties them together: a Session state machine driving
// Discovering → Connecting → Waiting → Receiving, and an Activity
// running the two cooperating workers (network and render) with the
// graceful-shutdown protocol the firmware depends on.
//
// Example:
//
//	store, _ := storage.NewOSStorage("/books")
//	activity := calibresync.NewActivity(calibresync.DefaultConfig(),
//	    store, display.NewTerminal(os.Stdout))
//	if err := activity.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer activity.Stop()
package calibresync
