// Package whatsapp implements network.Driver on top of whatsmeow.
//
// Device keys live in whatsmeow's own SQL container (device_db). The
// credential handed to the gateway's session store is only the device JID,
// which selects the device from that container on resume. Chat history is
// not persisted: the driver keeps a bounded in-memory log per chat, seeded
// from history sync after pairing and from live traffic afterwards.
package whatsapp
