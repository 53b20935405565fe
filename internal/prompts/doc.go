// Package prompts manages the instructions sent to the reasoning model.
//
// A prompt directory holds default.txt, the system instruction for every
// conversation, plus any number of named add-on prompts (<name>.txt)
// that a request may select. An add-on is prepended to the request text
// by Compose. The built-in system prompt lives in Go code and seeds
// default.txt on "hark init".
package prompts
