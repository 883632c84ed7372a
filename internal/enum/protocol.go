package enum

type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolPOP3 Protocol = "pop3"
	ProtocolSMTP Protocol = "smtp"
)

func (t Protocol) String() string {
	return string(t)
}

type EmailSecurity string

const (
	EmailSecurityNone     EmailSecurity = "none"
	EmailSecuritySSL      EmailSecurity = "ssl"
	EmailSecurityTLS      EmailSecurity = "tls"
	EmailSecurityStartTLS EmailSecurity = "startTLS"
)

func (t EmailSecurity) String() string {
	return string(t)
}

type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

func (t AuthMethod) String() string {
	return string(t)
}

type ConnectionStatus string

const (
	ConnectionActive    ConnectionStatus = "active"
	ConnectionNotActive ConnectionStatus = "not_active"
)

func (t ConnectionStatus) String() string {
	return string(t)
}
