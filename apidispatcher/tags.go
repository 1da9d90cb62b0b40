package apidispatcher

import "github.com/bchhub/hub/wire"

// Wire tags for the dispatcher's own synthetic replies: the Version
// control reply and the uniform CommandFailed reply every dispatch path
// falls back to on error.
const (
	TagVersionString wire.Tag = iota + 20
	TagFailReason
	TagOriginalServiceId
	TagOriginalMessageId
)
