package metadata

// Reserved metadata keys. The transport maps ReplyTo, CorrelationID and
// RoutingKey onto the broker's message properties rather than headers.
const (
	KeyReplyTo       = "reply_to"
	KeyCorrelationID = "correlation_id"
	KeyRoutingKey    = "routing_key"
	KeyExchange      = "exchange"
	KeyErrorKind     = "uservice_error"
	KeyContentType   = "content_type"
)

// ContentTypeJSON is the content type of every body the runtime publishes.
const ContentTypeJSON = "application/json"

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. The copy is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

func (m Metadata) ReplyTo() string       { return m[KeyReplyTo] }
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }
func (m Metadata) RoutingKey() string    { return m[KeyRoutingKey] }
func (m Metadata) ErrorKind() string     { return m[KeyErrorKind] }

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
