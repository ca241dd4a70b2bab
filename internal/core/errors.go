package core

// Rejection codes for failed admission attempts.
const (
	CodeBadMetadata = "bad_metadata"
	CodeUnknownUser = "unknown_user"
	CodeBanned      = "banned"
	CodeDuplicate   = "duplicate_session"
	CodeCooldown    = "login_cooldown"
	CodeStoreFault  = "store_fault"
)

// Rejection is a terminal admission failure. The message is delivered to the
// remote client before the connection is closed; there is no retry server-side.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func reject(code, msg string) *Rejection {
	return &Rejection{Code: code, Message: msg}
}
