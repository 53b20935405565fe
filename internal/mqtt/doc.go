// Package mqtt publishes hark's status and answers to an MQTT broker and
// optionally accepts typed requests from it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic,
// optional retained Home Assistant discovery configs, and re-subscribes
// to the request topic. A will message flips availability to "offline"
// on unexpected disconnects.
//
// Topics, under <topic_prefix>/<client_id>:
//
//	availability   online | offline (retained)
//	status         idle, listening, thinking, ... (retained)
//	answer         last final answer as plain text (retained)
//	error          last error summary (retained)
//	window         "toggle" on each window hotkey press
//	request        inbound typed requests (when accept_requests)
package mqtt
