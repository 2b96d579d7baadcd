package replicalog

import "errors"

// ErrOffsetMismatch is returned by AppendReplicated when the incoming
// batch's base offset doesn't line up with the log's current LEO.
var ErrOffsetMismatch = errors.New("replicalog: replicated batch offset does not match log end offset")
