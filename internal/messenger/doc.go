// Package messenger provides Session, the per-user coordinator a UI or a
// streaming endpoint drives.
//
// A session runs two state machines:
//
//	list: Idle -> Loading -> Ready (Failed on subscribe error, Closed on Close)
//	chat: NoConversationOpen -> MessagesLoading -> MessagesReady
//
// Send shows the message immediately as a pending Entry and replaces it with
// the stored message once a snapshot confirms it. A failed send removes the
// pending entry and returns a *SendError whose Draft holds the text.
package messenger
