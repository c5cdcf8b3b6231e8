package service

const RoleAdmin = "admin"

// Requester is the authenticated caller of an operation.
type Requester struct {
	AccountID string
	Role      string
}

func (r Requester) IsAdmin() bool {
	return r.Role == RoleAdmin
}

// ClientIdentity is what the transport knows about the device behind a
// content request.
type ClientIdentity struct {
	AccountID      string
	IP             string
	UserAgent      string
	AcceptLanguage string
	DeviceID       string
}
